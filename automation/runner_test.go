package automation_test

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/lookuppool/automation"
)

var _ = Describe("ExecRunner", func() {
	var runner automation.ExecRunner

	BeforeEach(func() {
		if _, err := exec.LookPath("sh"); err != nil {
			Skip("no shell available")
		}
		runner = automation.ExecRunner{Dir: GinkgoT().TempDir()}
	})

	It("should capture output and run inside Dir", func() {
		res, err := runner.Run(context.Background(), testLogger(), automation.Command{
			Step: "launch",
			Name: "sh",
			Args: []string{"-c", "pwd; echo oops >&2"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(string(res.Stdout))).To(HaveSuffix(filepath.Base(runner.Dir)))
		Expect(string(res.Stderr)).To(Equal("oops\n"))
	})

	It("should report a failing helper", func() {
		_, err := runner.Run(context.Background(), testLogger(), automation.Command{
			Step: "capture",
			Name: "sh",
			Args: []string{"-c", "exit 3"},
		})
		var exitErr *exec.ExitError
		Expect(errors.As(err, &exitErr)).To(BeTrue())
		Expect(exitErr.ExitCode()).To(Equal(3))
	})

	It("should kill a helper that outlives its context", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := runner.Run(ctx, testLogger(), automation.Command{
			Step: "capture",
			Name: "sh",
			Args: []string{"-c", "sleep 30"},
		})
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
	})
})
