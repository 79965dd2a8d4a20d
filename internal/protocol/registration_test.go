package protocol_test

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/protocol"
)

var _ = Describe("RegistrationRequest", func() {
	var req protocol.RegistrationRequest

	BeforeEach(func() {
		req = protocol.RegistrationRequest{
			UUID:              "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0",
			RegistrationToken: "a-very-long-registration-token",
			FirmwareVersion:   "1.4.2",
			Capabilities:      []string{"environment", "audio"},
			BatteryPercentage: 90,
		}
	})

	It("should accept a complete request", func() {
		Expect(req.Validate()).To(Succeed())
	})

	It("should reject a short registration token", func() {
		req.RegistrationToken = "short"
		err := req.Validate()
		Expect(errors.Is(err, protocol.ErrBadPayload)).To(BeTrue())
		Expect(protocol.ReasonOf(err)).To(ContainSubstring("registration_token"))
	})

	It("should reject empty capabilities", func() {
		req.Capabilities = nil
		Expect(errors.Is(req.Validate(), protocol.ErrBadPayload)).To(BeTrue())
	})
})

var _ = Describe("OperatingConfig", func() {
	var cfg protocol.OperatingConfig

	BeforeEach(func() {
		cfg = protocol.OperatingConfig{
			APIKey:    "gk_secret",
			SensorID:  "ember-fox",
			Endpoints: protocol.Endpoints{Ingest: "http://gw/api/sensors/data"},
			Intervals: protocol.Intervals{
				HealthCheck:  protocol.Duration(5 * time.Minute),
				PeriodicData: protocol.Duration(15 * time.Minute),
				Sample:       protocol.Duration(10 * time.Second),
			},
			LowPower:         protocol.LowPower{Floor: 20, Recovery: 25, IntervalMultiplier: 4},
			FailureThreshold: 3,
		}
	})

	It("should validate a complete config", func() {
		Expect(cfg.Validate()).To(Succeed())
	})

	It("should reject a missing api key", func() {
		cfg.APIKey = ""
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("api_key")))
	})

	It("should reject a recovery level below the floor", func() {
		cfg.LowPower.Recovery = 10
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("recovery")))
	})

	It("should carry durations as strings", func() {
		raw, err := json.Marshal(cfg.Intervals)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring(`"health_check":"5m0s"`))

		var back protocol.Intervals
		Expect(json.Unmarshal(raw, &back)).To(Succeed())
		Expect(back.Sample.Std()).To(Equal(10 * time.Second))
	})

	It("should reject malformed durations", func() {
		var d protocol.Duration
		Expect(d.UnmarshalText([]byte("soon"))).To(MatchError(ContainSubstring("invalid duration")))
	})
})
