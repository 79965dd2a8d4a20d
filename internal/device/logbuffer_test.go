package device_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
)

var _ = Describe("LogBuffer", func() {
	It("should keep everything below the limit", func() {
		b := device.NewLogBuffer(1024)
		fmt.Fprintln(b, "first")
		fmt.Fprintln(b, "second")
		Expect(string(b.Snapshot())).To(Equal("first\nsecond\n"))
	})

	It("should evict whole lines from the front", func() {
		b := device.NewLogBuffer(16)
		fmt.Fprintln(b, "line-one")
		fmt.Fprintln(b, "line-two")
		fmt.Fprintln(b, "line-3")

		Expect(b.Len()).To(BeNumerically("<=", 16))
		Expect(string(b.Snapshot())).To(Equal("line-3\n"))
	})

	It("should discard an uploaded prefix", func() {
		b := device.NewLogBuffer(0)
		fmt.Fprintln(b, "uploaded")
		snapshot := b.Snapshot()
		fmt.Fprintln(b, "fresh")

		b.Discard(len(snapshot))
		Expect(string(b.Snapshot())).To(Equal("fresh\n"))

		b.Discard(100)
		Expect(b.Len()).To(BeZero())
	})

	It("should return a copy", func() {
		b := device.NewLogBuffer(64)
		fmt.Fprint(b, "abc")
		snapshot := b.Snapshot()
		snapshot[0] = 'x'
		Expect(string(b.Snapshot())).To(Equal("abc"))
	})
})
