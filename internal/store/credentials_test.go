package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/store"
)

var _ = Describe("Credentials", func() {
	var (
		ctx    context.Context
		s      *store.Store
		device *store.Device
		key    string
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore(&clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})

		reg := store.Registration{HardwareID: "hw-cred-1", Token: "registration-token-0001"}
		_, _, err := s.Register(ctx, reg)
		Expect(err).NotTo(HaveOccurred())
		device, key, err = s.Approve(ctx, reg.HardwareID, store.Approval{CodeName: "GUARDIAN-007"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should authenticate the issued key", func() {
		got, err := s.Authenticate(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(device.ID))
	})

	It("should reject unknown and empty keys", func() {
		_, err := s.Authenticate(ctx, "gdn_nope")
		Expect(err).To(MatchError(store.ErrUnknownCredential))

		_, err = s.Authenticate(ctx, "")
		Expect(err).To(MatchError(store.ErrUnknownCredential))
	})

	It("should reject a revoked key", func() {
		Expect(s.Revoke(ctx, device.ID)).To(Succeed())

		_, err := s.Authenticate(ctx, key)
		Expect(err).To(MatchError(store.ErrCredentialRevoked))
	})

	It("should replace the key on rotation", func() {
		rotated, err := s.Rotate(ctx, device.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rotated).NotTo(Equal(key))

		_, err = s.Authenticate(ctx, key)
		Expect(err).To(MatchError(store.ErrCredentialRevoked))

		got, err := s.Authenticate(ctx, rotated)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(device.ID))
	})

	It("should hand the rotated key to the registration poll", func() {
		rotated, err := s.Rotate(ctx, device.ID)
		Expect(err).NotTo(HaveOccurred())

		_, cred, err := s.PollRegistration(ctx, "hw-cred-1", "registration-token-0001")
		Expect(err).NotTo(HaveOccurred())
		Expect(cred.Delivery).To(Equal(rotated))
	})
})
