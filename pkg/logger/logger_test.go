package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/pkg/logger"
)

func decodeLine(buf *bytes.Buffer) map[string]any {
	GinkgoHelper()
	var entry map[string]any
	Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
	return entry
}

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Describe("New", func() {
		It("should fall back to the default config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
			Expect(logger.NewDefault()).NotTo(BeNil())
		})

		It("should write one JSON record per line", func() {
			log := logger.New(&logger.Config{Output: buf, Level: slog.LevelInfo})
			log.Info("reading accepted", "device_id", 7, "smoke_level", 612.5)

			entry := decodeLine(buf)
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "reading accepted"))
			Expect(entry).To(HaveKeyWithValue("device_id", float64(7)))
			Expect(entry).To(HaveKeyWithValue("smoke_level", 612.5))
		})

		It("should stamp the service name", func() {
			log := logger.New(&logger.Config{Output: buf, Service: "guardian-device"})
			log.Info("registered")

			Expect(decodeLine(buf)).To(HaveKeyWithValue("service", "guardian-device"))
		})

		It("should add the source position on request", func() {
			log := logger.New(&logger.Config{Output: buf, AddSource: true})
			log.Info("with source")

			Expect(decodeLine(buf)).To(HaveKey("source"))
		})

		It("should write logfmt when text is selected", func() {
			log := logger.New(&logger.Config{Output: buf, Format: logger.FormatText})
			log.Info("mode changed", "to", "troubleshooting")

			line := buf.String()
			Expect(line).To(ContainSubstring(`msg="mode changed"`))
			Expect(line).To(ContainSubstring("to=troubleshooting"))
		})
	})

	DescribeTable("level filtering",
		func(configured slog.Level, emit func(*slog.Logger), logged bool) {
			emit(logger.New(&logger.Config{Output: buf, Level: configured}))
			Expect(buf.Len() > 0).To(Equal(logged))
		},
		Entry("debug at debug", slog.LevelDebug, func(l *slog.Logger) { l.Debug("payload accepted") }, true),
		Entry("debug at info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("payload accepted") }, false),
		Entry("warn at info", slog.LevelInfo, func(l *slog.Logger) { l.Warn("retrying transmission") }, true),
		Entry("info at error", slog.LevelError, func(l *slog.Logger) { l.Info("alert created") }, false),
		Entry("error at error", slog.LevelError, func(l *slog.Logger) { l.Error("storage failure") }, true),
	)

	DescribeTable("ParseLevel",
		func(in string, want slog.Level) {
			Expect(logger.ParseLevel(in)).To(Equal(want))
		},
		Entry("debug", "debug", slog.LevelDebug),
		Entry("info", "info", slog.LevelInfo),
		Entry("warn", "warn", slog.LevelWarn),
		Entry("warning", "warning", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
		Entry("mixed case", "DeBuG", slog.LevelDebug),
		Entry("padded", " error ", slog.LevelError),
		Entry("unknown", "verbose", slog.LevelInfo),
		Entry("empty", "", slog.LevelInfo),
	)

	DescribeTable("ParseFormat",
		func(in string, want logger.Format) {
			Expect(logger.ParseFormat(in)).To(Equal(want))
		},
		Entry("text", "text", logger.FormatText),
		Entry("upper case", "TEXT", logger.FormatText),
		Entry("json", "json", logger.FormatJSON),
		Entry("unknown", "yaml", logger.FormatJSON),
	)

	Describe("tagging", func() {
		It("should carry context attributes on every record", func() {
			log := logger.WithContext(logger.New(&logger.Config{Output: buf}),
				slog.String("area_id", "yosemite-north"),
				slog.Int("devices", 12),
			)
			log.Info("offline sweep")
			log.Info("offline sweep")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(HaveLen(2))
			for _, line := range lines {
				Expect(line).To(ContainSubstring(`"area_id":"yosemite-north"`))
				Expect(line).To(ContainSubstring(`"devices":12`))
			}
		})

		It("should stamp component and device identifiers", func() {
			base := logger.New(&logger.Config{Output: buf, Service: "guardian-gateway"})
			log := logger.Device(logger.Component(base, "ingest"), "hw-1", "")
			log.Info("alert created")

			entry := decodeLine(buf)
			Expect(entry).To(HaveKeyWithValue("service", "guardian-gateway"))
			Expect(entry).To(HaveKeyWithValue("component", "ingest"))
			Expect(entry).To(HaveKeyWithValue("hardware_id", "hw-1"))
			Expect(entry).NotTo(HaveKey("code_name"))
		})
	})

	Describe("DefaultConfig", func() {
		It("should log JSON at info without source", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.AddSource).To(BeFalse())
			Expect(cfg.Output).NotTo(BeNil())
		})
	})
})
