package protocol_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/protocol"
)

const periodic = `{
  "message_type": "periodic_data",
  "device_info": {"timestamp": "2025-08-14T15:00:00Z", "sensor_id": "ember-fox", "uuid": "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"},
  "gps_coordinates": {"latitude": 45.1, "longitude": 7.6, "accuracy": 4.5},
  "battery": {"percentage": 81, "charging": false, "estimated_runtime_hours": 40},
  "environment": {"temperature": 24.5, "humidity": 55, "smoke_level": 80},
  "detections": {"chainsaw": {"confidence": 0.82}, "bird": {"confidence": 0.4}}
}`

var _ = Describe("Decode", func() {
	It("should decode a periodic data message", func() {
		msg, err := protocol.Decode([]byte(periodic))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(protocol.MessagePeriodicData))
		Expect(msg.DeviceInfo.SensorID).To(Equal("ember-fox"))
		Expect(msg.DeviceInfo.Timestamp).To(Equal(time.Date(2025, 8, 14, 15, 0, 0, 0, time.UTC)))
		Expect(msg.GPS.Latitude).To(Equal(45.1))
		Expect(*msg.GPS.Accuracy).To(Equal(4.5))
		Expect(msg.Battery.Percentage).To(Equal(81.0))
		Expect(msg.Environment.SmokeLevel).To(Equal(80.0))
		Expect(msg.Detections).To(HaveKeyWithValue("chainsaw", protocol.Detection{Confidence: 0.82}))
		Expect(msg.IsAlertClass()).To(BeFalse())
	})

	It("should accept code_name in place of sensor_id", func() {
		msg, err := protocol.Decode([]byte(`{
		  "message_type": "health_check",
		  "device_info": {"timestamp": "2025-08-14T15:00:00Z", "code_name": "quiet-owl", "uuid": "abc"},
		  "battery": {"percentage": 50}
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.DeviceInfo.SensorID).To(Equal("quiet-owl"))
		Expect(msg.Environment).To(BeNil())
	})

	It("should normalize legacy logging detections", func() {
		msg, err := protocol.Decode([]byte(`{
		  "message_type": "periodic_data",
		  "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "abc"},
		  "gps_coordinates": {"latitude": 1, "longitude": 2},
		  "battery": {"percentage": 50},
		  "environment": {"temperature": 20, "humidity": 50, "smoke_level": 10},
		  "detections": {
		    "Logging": {"detected": true, "detection_type": "Chainsaw", "confidence": 0.9},
		    "fire": {"detected": false, "confidence": 0.1}
		  }
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Detections).To(HaveLen(1))
		Expect(msg.Detections).To(HaveKeyWithValue("chainsaw", protocol.Detection{Confidence: 0.9}))
	})

	It("should decode an alert and default detected_at to the message timestamp", func() {
		msg, err := protocol.Decode([]byte(`{
		  "message_type": "alert",
		  "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "abc"},
		  "gps_coordinates": {"latitude": 1, "longitude": 2},
		  "battery": {"percentage": 50},
		  "environment": {"temperature": 45, "humidity": 12, "smoke_level": 900},
		  "alert": {"type": "FIRE", "confidence": 0.9}
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.IsAlertClass()).To(BeTrue())
		Expect(msg.Alert.Type).To(Equal(protocol.FamilyFire))
		Expect(msg.Alert.DetectedAt).To(Equal(msg.DeviceInfo.Timestamp))
	})

	DescribeTable("should reject invalid payloads as bad payload",
		func(raw, reason string) {
			msg, err := protocol.Decode([]byte(raw))
			Expect(msg).To(BeNil())
			Expect(errors.Is(err, protocol.ErrBadPayload)).To(BeTrue())
			Expect(protocol.KindName(err)).To(Equal("bad_payload"))
			Expect(protocol.ReasonOf(err)).To(ContainSubstring(reason))
		},
		Entry("empty body", `  `, "empty payload"),
		Entry("malformed json", `{"message_type":`, "malformed json"),
		Entry("missing type", `{"device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"}}`, "message_type is required"),
		Entry("unknown type", `{"message_type": "hello", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"}}`, "unknown message_type"),
		Entry("missing uuid", `{"message_type": "health_check", "device_info": {"timestamp": "2025-08-14T15:00:00Z"}, "battery": {"percentage": 1}}`, "uuid is required"),
		Entry("missing timestamp", `{"message_type": "health_check", "device_info": {"uuid": "a"}, "battery": {"percentage": 1}}`, "timestamp is required"),
		Entry("battery out of range", `{"message_type": "health_check", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"}, "battery": {"percentage": 101}}`, "battery.percentage"),
		Entry("latitude out of range", `{"message_type": "periodic_data", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"},
			"gps_coordinates": {"latitude": 91, "longitude": 2}, "battery": {"percentage": 1},
			"environment": {"temperature": 20, "humidity": 50, "smoke_level": 10}}`, "latitude"),
		Entry("temperature out of range", `{"message_type": "periodic_data", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"},
			"gps_coordinates": {"latitude": 1, "longitude": 2}, "battery": {"percentage": 1},
			"environment": {"temperature": 120, "humidity": 50, "smoke_level": 10}}`, "environment.temperature"),
		Entry("confidence out of range", `{"message_type": "periodic_data", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"},
			"gps_coordinates": {"latitude": 1, "longitude": 2}, "battery": {"percentage": 1},
			"environment": {"temperature": 20, "humidity": 50, "smoke_level": 10},
			"detections": {"chainsaw": {"confidence": 1.5}}}`, "detections.chainsaw.confidence"),
		Entry("alert without signal", `{"message_type": "alert", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"},
			"gps_coordinates": {"latitude": 1, "longitude": 2}, "battery": {"percentage": 1},
			"environment": {"temperature": 20, "humidity": 50, "smoke_level": 10}}`, "alert is required"),
		Entry("alert of unknown family", `{"message_type": "alert", "device_info": {"timestamp": "2025-08-14T15:00:00Z", "uuid": "a"},
			"gps_coordinates": {"latitude": 1, "longitude": 2}, "battery": {"percentage": 1},
			"environment": {"temperature": 20, "humidity": 50, "smoke_level": 10},
			"alert": {"type": "flood"}}`, "must be fire or logging"),
	)

	It("should round-trip through Encode", func() {
		msg, err := protocol.Decode([]byte(periodic))
		Expect(err).NotTo(HaveOccurred())
		raw, err := protocol.Encode(msg)
		Expect(err).NotTo(HaveOccurred())
		again, err := protocol.Decode(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(msg))
	})
})

var _ = Describe("RejectError", func() {
	It("should unwrap to its kind and render the reason", func() {
		err := protocol.Reject(protocol.ErrUnauthorized, protocol.ReasonRevoked)
		Expect(errors.Is(err, protocol.ErrUnauthorized)).To(BeTrue())
		Expect(err.Error()).To(Equal("unauthorized: revoked"))
		Expect(protocol.KindName(err)).To(Equal("unauthorized"))
		Expect(protocol.ReasonOf(err)).To(Equal(protocol.ReasonRevoked))
	})

	It("should classify unknown errors as internal", func() {
		Expect(protocol.KindName(errors.New("boom"))).To(Equal("internal_error"))
		Expect(protocol.ReasonOf(errors.New("boom"))).To(BeEmpty())
	})
})

var _ = Describe("GPSCoordinates", func() {
	accuracy := 3.0

	DescribeTable("Unfixed",
		func(gps protocol.GPSCoordinates, unfixed bool) {
			Expect(gps.Unfixed()).To(Equal(unfixed))
		},
		Entry("placeholder without a fix", protocol.GPSCoordinates{}, true),
		Entry("real fix at 0,0", protocol.GPSCoordinates{Accuracy: &accuracy}, false),
		Entry("position without accuracy", protocol.GPSCoordinates{Latitude: 45.1, Longitude: 7.6}, false),
	)
})
