package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/logger"
)

var _ = Describe("Logger", func() {
	decode := func(buf *bytes.Buffer) map[string]any {
		var entry map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
		return entry
	}

	Describe("New", func() {
		It("should create a logger from a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should emit JSON by default", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Level: slog.LevelInfo})
			log.Info("reading accepted", "node_id", "N1", "risk", 81.4)

			entry := decode(buf)
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "reading accepted"))
			Expect(entry).To(HaveKeyWithValue("node_id", "N1"))
			Expect(entry).To(HaveKeyWithValue("risk", 81.4))
		})

		It("should emit logfmt for the text format", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Format: logger.FormatText})
			log.Info("hello", "k", "v")
			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("k=v"))
		})

		It("should attach the service name", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Service: "flood"})
			log.Info("started")
			Expect(decode(buf)).To(HaveKeyWithValue("service", "flood"))
		})
	})

	Describe("level filtering", func() {
		DescribeTable("drops records below the configured level",
			func(level slog.Level, emit func(*slog.Logger), shouldAppear bool) {
				buf := &bytes.Buffer{}
				emit(logger.New(&logger.Config{Output: buf, Level: level}))
				Expect(buf.Len() > 0).To(Equal(shouldAppear))
			},
			Entry("debug at info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("x") }, false),
			Entry("info at info", slog.LevelInfo, func(l *slog.Logger) { l.Info("x") }, true),
			Entry("warn at error", slog.LevelError, func(l *slog.Logger) { l.Warn("x") }, false),
			Entry("error at warn", slog.LevelWarn, func(l *slog.Logger) { l.Error("x") }, true),
		)
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("unknown", "verbose", slog.LevelInfo),
			Entry("empty", "", slog.LevelInfo),
		)
	})

	Describe("ParseFormat", func() {
		It("should default to JSON", func() {
			Expect(logger.ParseFormat("")).To(Equal(logger.FormatJSON))
			Expect(logger.ParseFormat("xml")).To(Equal(logger.FormatJSON))
			Expect(logger.ParseFormat("TEXT")).To(Equal(logger.FormatText))
		})
	})

	Describe("contextual helpers", func() {
		It("should tag component and node", func() {
			buf := &bytes.Buffer{}
			base := logger.New(&logger.Config{Output: buf})
			logger.ForNode(logger.ForComponent(base, "ingest"), "N7").Info("processed")

			entry := decode(buf)
			Expect(entry).To(HaveKeyWithValue("component", "ingest"))
			Expect(entry).To(HaveKeyWithValue("node_id", "N7"))
		})

		It("should discard everything", func() {
			log := logger.Discard()
			Expect(log.Enabled(context.Background(), slog.LevelError)).To(BeFalse())
		})
	})
})
