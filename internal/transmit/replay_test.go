package transmit_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/transmit"
)

var _ = Describe("ReplayLog", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "state", "replay.jsonl")
	})

	It("should require a path", func() {
		_, err := transmit.OpenReplayLog("")
		Expect(err).To(HaveOccurred())
	})

	It("should be empty before anything is queued", func() {
		l, err := transmit.OpenReplayLog(path)
		Expect(err).NotTo(HaveOccurred())

		entries, err := l.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
		Expect(l.Len()).To(Equal(0))
	})

	It("should survive reopening", func() {
		l, err := transmit.OpenReplayLog(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Append(transmit.Entry{QueuedAt: t0, Type: "alert", Payload: json.RawMessage(`{"n":1}`)})).To(Succeed())
		Expect(l.Append(transmit.Entry{QueuedAt: t0, Type: "alert", Payload: json.RawMessage(`{"n":2}`)})).To(Succeed())

		reopened, err := transmit.OpenReplayLog(path)
		Expect(err).NotTo(HaveOccurred())
		entries, err := reopened.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].QueuedAt.Equal(t0)).To(BeTrue())
		Expect(string(entries[1].Payload)).To(Equal(`{"n":2}`))
	})

	It("should skip corrupt lines", func() {
		l, err := transmit.OpenReplayLog(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Append(transmit.Entry{QueuedAt: t0, Type: "alert", Payload: json.RawMessage(`{}`)})).To(Succeed())

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteString("{truncated\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		Expect(l.Append(transmit.Entry{QueuedAt: t0, Type: "alert", Payload: json.RawMessage(`{}`)})).To(Succeed())
		Expect(l.Len()).To(Equal(2))
	})

	It("should create the file with owner-only permissions", func() {
		l, err := transmit.OpenReplayLog(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Append(transmit.Entry{QueuedAt: t0, Type: "alert", Payload: json.RawMessage(`{}`)})).To(Succeed())

		info, err := os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
	})
})
