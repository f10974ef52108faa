package telemetry_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/lookuppool/telemetry"
)

var _ = Describe("NewLogger", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "telemetry_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	It("should write to the console only without a directory", func() {
		var console bytes.Buffer
		logger, closer, err := telemetry.NewLogger(telemetry.LoggerOptions{Level: slog.LevelInfo, Console: &console})
		Expect(err).NotTo(HaveOccurred())
		defer closer.Close()

		logger.Debug("hidden")
		logger.Info("visible", "key", "value")
		Expect(console.String()).To(ContainSubstring("msg=visible key=value"))
		Expect(console.String()).NotTo(ContainSubstring("hidden"))
	})

	It("should split records between the daily file and the error log", func() {
		var console bytes.Buffer
		now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
		logger, closer, err := telemetry.NewLogger(telemetry.LoggerOptions{
			Dir:     dir,
			Level:   slog.LevelInfo,
			Console: &console,
			Now:     func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		logger.Info("lookup queued", "requester", "u1")
		logger.Error("driver failed", "step", "capture")
		Expect(closer.Close()).To(Succeed())

		daily, err := os.ReadFile(filepath.Join(dir, "lookupd-2024-03-09.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(daily)).To(ContainSubstring("lookup queued"))
		Expect(string(daily)).To(ContainSubstring("driver failed"))

		errLog, err := os.ReadFile(filepath.Join(dir, telemetry.ErrorLogName))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(errLog)).To(ContainSubstring("step=capture"))
		Expect(string(errLog)).NotTo(ContainSubstring("lookup queued"))
	})

	It("should roll the daily file over when the date changes", func() {
		now := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)
		logger, closer, err := telemetry.NewLogger(telemetry.LoggerOptions{
			Dir:     dir,
			Level:   slog.LevelInfo,
			Console: &bytes.Buffer{},
			Now:     func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		defer closer.Close()

		logger.Info("before midnight")
		now = now.Add(2 * time.Minute)
		logger.Info("after midnight")

		first, err := os.ReadFile(filepath.Join(dir, "lookupd-2024-03-09.log"))
		Expect(err).NotTo(HaveOccurred())
		second, err := os.ReadFile(filepath.Join(dir, "lookupd-2024-03-10.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(first)).To(ContainSubstring("before midnight"))
		Expect(string(first)).NotTo(ContainSubstring("after midnight"))
		Expect(string(second)).To(ContainSubstring("after midnight"))
	})
})
