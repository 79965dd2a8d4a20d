package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/store"
)

var _ = Describe("Devices", func() {
	var (
		ctx context.Context
		clk *clock
		s   *store.Store
		reg store.Registration
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		s = newTestStore(clk)
		reg = store.Registration{
			HardwareID:        "4f7c2b1e-0d39-4a57-9f3c-2b8e61d7a001",
			Token:             "0123456789abcdef0123",
			FirmwareVersion:   "2.1.0",
			Capabilities:      []string{"fire", "logging"},
			BatteryPercentage: 87,
		}
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			st, err := store.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(st).To(BeNil())
		})

		It("should return error when database is nil", func() {
			st, err := store.New(&store.Config{Logger: nil})
			Expect(err).To(HaveOccurred())
			Expect(st).To(BeNil())
		})
	})

	Describe("Register", func() {
		It("should create a pending device on first contact", func() {
			device, created, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(device.State).To(Equal(store.StatePending))
			Expect(device.CodeName).To(BeNil())
			Expect(device.RegistrationTokenHash).NotTo(Equal(reg.Token))
		})

		It("should be idempotent for the same token", func() {
			first, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())

			reg.FirmwareVersion = "2.1.1"
			second, created, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.FirmwareVersion).To(Equal("2.1.1"))
		})

		It("should refuse a different registration token", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())

			reg.Token = "ffffffffffffffffffff"
			_, _, err = s.Register(ctx, reg)
			Expect(err).To(MatchError(store.ErrRegistrationToken))
		})
	})

	Describe("Approve", func() {
		It("should activate the device and issue a credential", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())

			device, key, err := s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001", AreaID: "north-ridge"})
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(HavePrefix("gdn_"))
			Expect(device.State).To(Equal(store.StateActive))
			Expect(device.DisplayName()).To(Equal("GUARDIAN-001"))
			Expect(device.AreaID).To(Equal("north-ridge"))
			Expect(device.ApprovedAt).NotTo(BeNil())
		})

		It("should refuse to approve an active device twice", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).NotTo(HaveOccurred())

			_, _, err = s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-002"})
			Expect(err).To(MatchError(store.ErrInvalidTransition))
		})

		It("should return not found for unknown devices", func() {
			_, _, err := s.Approve(ctx, "missing", store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("PollRegistration", func() {
		It("should return no credential while pending", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())

			device, cred, err := s.PollRegistration(ctx, reg.HardwareID, reg.Token)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.State).To(Equal(store.StatePending))
			Expect(cred).To(BeNil())
		})

		It("should replay the pending key until first use", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			_, key, err := s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).NotTo(HaveOccurred())

			for range 2 {
				_, cred, err := s.PollRegistration(ctx, reg.HardwareID, reg.Token)
				Expect(err).NotTo(HaveOccurred())
				Expect(cred.Delivery).To(Equal(key))
			}

			_, err = s.Authenticate(ctx, key)
			Expect(err).NotTo(HaveOccurred())

			_, cred, err := s.PollRegistration(ctx, reg.HardwareID, reg.Token)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Delivery).To(BeEmpty())
			Expect(cred.DeliveredAt).NotTo(BeNil())
		})

		It("should reject a wrong token", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = s.PollRegistration(ctx, reg.HardwareID, "not-the-token-at-all")
			Expect(err).To(MatchError(store.ErrRegistrationToken))
		})
	})

	Describe("ApplyStatus", func() {
		var device *store.Device

		BeforeEach(func() {
			var err error
			_, _, err = s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			device, _, err = s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should only move forward in time", func() {
			t1 := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
			applied, err := s.ApplyStatus(ctx, device.ID, store.DeviceStatus{ReportedAt: t1, BatteryPercentage: 80})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			applied, err = s.ApplyStatus(ctx, device.ID, store.DeviceStatus{ReportedAt: t1.Add(-time.Minute), BatteryPercentage: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())

			applied, err = s.ApplyStatus(ctx, device.ID, store.DeviceStatus{ReportedAt: t1, BatteryPercentage: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())

			loaded, err := s.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.BatteryPercentage).To(Equal(80.0))
			Expect(loaded.LastSeen.Equal(t1)).To(BeTrue())
		})

		It("should update location only when present", func() {
			t1 := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
			_, err := s.ApplyStatus(ctx, device.ID, store.DeviceStatus{
				ReportedAt:  t1,
				HasLocation: true,
				Latitude:    45.5,
				Longitude:   -122.6,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = s.ApplyStatus(ctx, device.ID, store.DeviceStatus{ReportedAt: t1.Add(time.Minute)})
			Expect(err).NotTo(HaveOccurred())

			loaded, err := s.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Latitude).To(Equal(45.5))
			Expect(loaded.Longitude).To(Equal(-122.6))
		})
	})

	Describe("Decommission", func() {
		It("should be terminal and revoke credentials", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			device, key, err := s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Decommission(ctx, device.ID)).To(Succeed())
			Expect(s.Decommission(ctx, device.ID)).To(Succeed())

			_, err = s.Authenticate(ctx, key)
			Expect(err).To(MatchError(store.ErrDeviceDecommissioned))

			err = s.SetState(ctx, device.ID, store.StateActive)
			Expect(err).To(MatchError(store.ErrDeviceDecommissioned))

			_, _, err = s.Register(ctx, reg)
			Expect(err).To(MatchError(store.ErrDeviceDecommissioned))
		})
	})

	Describe("StaleDevices", func() {
		It("should list active devices silent since the cutoff", func() {
			_, _, err := s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			device, _, err := s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-001"})
			Expect(err).NotTo(HaveOccurred())

			_, err = s.ApplyStatus(ctx, device.ID, store.DeviceStatus{ReportedAt: clk.now.Add(-3 * time.Hour)})
			Expect(err).NotTo(HaveOccurred())

			stale, err := s.StaleDevices(ctx, clk.now.Add(-2*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(stale).To(HaveLen(1))

			stale, err = s.StaleDevices(ctx, clk.now.Add(-4*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(stale).To(BeEmpty())
		})
	})

	Describe("NextCodeName", func() {
		It("should number devices sequentially", func() {
			name, err := s.NextCodeName(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("GUARDIAN-001"))

			_, _, err = s.Register(ctx, reg)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: name})
			Expect(err).NotTo(HaveOccurred())

			name, err = s.NextCodeName(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("GUARDIAN-002"))
		})
	})
})
