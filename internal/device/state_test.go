package device_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
)

var _ = Describe("StateFile", func() {
	var file *device.StateFile

	BeforeEach(func() {
		var err error
		file, err = device.NewStateFile(filepath.Join(GinkgoT().TempDir(), "guardian", "state.yaml"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should require a path", func() {
		_, err := device.NewStateFile("")
		Expect(err).To(HaveOccurred())
	})

	It("should report missing state", func() {
		_, err := file.Load()
		Expect(err).To(MatchError(device.ErrNoState))
	})

	It("should generate an identity once", func() {
		first, err := device.LoadOrCreateState(file)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Identity.HardwareID).To(HaveLen(36))
		Expect(len(first.Identity.RegistrationToken)).To(BeNumerically(">=", 16))
		Expect(first.Mode).To(Equal(device.ModeUnregistered))

		second, err := device.LoadOrCreateState(file)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Identity).To(Equal(first.Identity))
	})

	It("should persist the operating config", func() {
		st := &device.State{
			Identity:         device.NewIdentity(),
			Mode:             device.ModeMonitoring,
			Config:           testConfig(),
			LastAcknowledged: t0,
		}
		Expect(file.Save(st)).To(Succeed())

		loaded, err := file.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Mode).To(Equal(device.ModeMonitoring))
		Expect(loaded.Config.APIKey).To(Equal("gdn_device-key"))
		Expect(loaded.Config.Intervals.Sample.Std()).To(Equal(10 * time.Millisecond))
		Expect(loaded.Config.AlertCooldown.Std()).To(Equal(time.Hour))
		Expect(loaded.Config.Thresholds.LoggingLabels).To(ConsistOf("chainsaw", "vehicle", "machinery"))
		Expect(loaded.LastAcknowledged.Equal(t0)).To(BeTrue())
	})

	It("should write the credential with owner-only permissions", func() {
		Expect(file.Save(&device.State{Identity: device.NewIdentity(), Config: testConfig()})).To(Succeed())

		info, err := os.Stat(file.Path())
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))

		entries, err := os.ReadDir(filepath.Dir(file.Path()))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("should reject a file without identity", func() {
		Expect(os.MkdirAll(filepath.Dir(file.Path()), 0o700)).To(Succeed())
		Expect(os.WriteFile(file.Path(), []byte("mode: monitoring\n"), 0o600)).To(Succeed())

		_, err := file.Load()
		Expect(err).To(MatchError(ContainSubstring("no hardware id")))
	})
})
