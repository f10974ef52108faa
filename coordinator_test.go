package lookuppool_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/lookuppool"
)

var _ = Describe("Coordinator", func() {
	var (
		queue    *lookuppool.JobQueue
		registry *lookuppool.CancelRegistry
		history  *lookuppool.HistoryStore
		config   *lookuppool.Config
		coord    *lookuppool.Coordinator
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		queue = lookuppool.NewJobQueue(testLogger())
		registry = lookuppool.NewCancelRegistry()
		history = lookuppool.NewHistoryStore(lookuppool.NewInMemoryBackend(), testLogger())
		config = &lookuppool.Config{AvgProcessing: 15 * time.Second, HistoryLimit: 5}
	})

	JustBeforeEach(func() {
		coord = lookuppool.NewCoordinator(queue, registry, history, nil, config, testLogger())
	})

	AfterEach(func() {
		_ = queue.Close()
	})

	Describe("Submit", func() {
		It("should reject invalid identifiers without enqueuing", func() {
			for _, id := range []string{"", "1234567", "1234567890", "12345678a", " 12345678"} {
				_, err := coord.Submit(ctx, "u1", "One", id)
				Expect(err).To(MatchError(lookuppool.ErrInvalidIdentifier), "identifier %q", id)
			}
			Expect(queue.Len()).To(Equal(0))
		})

		It("should accept 8 and 9 digit identifiers and return positions", func() {
			pos, err := coord.Submit(ctx, "u1", "One", "12345678")
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(1))

			pos, err = coord.Submit(ctx, "u2", "Two", "123456789")
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(2))
		})

		Context("with a load threshold", func() {
			BeforeEach(func() {
				config.MaxQueueDepth = 2
			})

			It("should reject submissions once the queue holds more than the threshold", func() {
				for i := 0; i < 3; i++ {
					_, err := coord.Submit(ctx, "u1", "One", "12345678")
					Expect(err).NotTo(HaveOccurred())
				}
				_, err := coord.Submit(ctx, "u2", "Two", "12345678")
				Expect(err).To(MatchError(lookuppool.ErrQueueBusy))
				Expect(queue.Len()).To(Equal(3))
			})
		})

		Context("with a rate limit", func() {
			BeforeEach(func() {
				config.RatePerMinute = 1
			})

			It("should limit each requester separately", func() {
				_, err := coord.Submit(ctx, "u1", "One", "12345678")
				Expect(err).NotTo(HaveOccurred())
				_, err = coord.Submit(ctx, "u1", "One", "12345678")
				Expect(err).To(MatchError(lookuppool.ErrRateLimited))
				_, err = coord.Submit(ctx, "u2", "Two", "12345678")
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("QueryStatus", func() {
		It("should report position, queue length and wait estimate", func() {
			_, _ = coord.Submit(ctx, "u1", "One", "12345678")
			_, _ = coord.Submit(ctx, "u2", "Two", "12345678")

			st := coord.QueryStatus("u2")
			Expect(st.Position).To(Equal(2))
			Expect(st.QueueLength).To(Equal(2))
			Expect(st.EstimatedWait).To(Equal(30 * time.Second))
			Expect(st.InProgress).To(BeFalse())
		})

		It("should report zero position when not queued", func() {
			st := coord.QueryStatus("nobody")
			Expect(st.Position).To(Equal(0))
			Expect(st.EstimatedWait).To(BeZero())
		})
	})

	Describe("RequestCancel", func() {
		It("should remove a queued job and clear the flag", func() {
			_, _ = coord.Submit(ctx, "u1", "One", "12345678")
			_, _ = coord.Submit(ctx, "u2", "Two", "12345678")

			outcome := coord.RequestCancel("u2")
			Expect(outcome).To(Equal(lookuppool.CancelOutcome{RemovedFromQueue: true, Position: 2}))
			Expect(queue.Len()).To(Equal(1))
			Expect(registry.ShouldCancel("u2")).To(BeFalse())
		})

		It("should not leave a flag behind when there is nothing to cancel", func() {
			outcome := coord.RequestCancel("u1")
			Expect(outcome).To(Equal(lookuppool.CancelOutcome{}))
			Expect(registry.ShouldCancel("u1")).To(BeFalse())
		})

		It("should keep the flag for a job already taken by the worker", func() {
			_, _ = coord.Submit(ctx, "u1", "One", "12345678")
			_, err := queue.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())

			outcome := coord.RequestCancel("u1")
			Expect(outcome.Flagged).To(BeTrue())
			Expect(outcome.RemovedFromQueue).To(BeFalse())
			Expect(registry.ShouldCancel("u1")).To(BeTrue())
			Expect(registry.TryStart("u1")).To(BeFalse())
		})

		It("should remove the queued job and flag the active one of the same requester", func() {
			_, _ = coord.Submit(ctx, "u1", "One", "12345678")
			_, _ = coord.Submit(ctx, "u1", "One", "87654321")
			_, err := queue.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())

			outcome := coord.RequestCancel("u1")
			Expect(outcome).To(Equal(lookuppool.CancelOutcome{RemovedFromQueue: true, Position: 1, Flagged: true}))
			Expect(queue.Len()).To(BeZero())
		})

		It("should not affect a lookup submitted after a cancel that found nothing", func() {
			Expect(coord.RequestCancel("u1")).To(Equal(lookuppool.CancelOutcome{}))

			_, err := coord.Submit(ctx, "u1", "One", "12345678")
			Expect(err).NotTo(HaveOccurred())
			job, err := queue.Dequeue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.TryStart(job.Requester)).To(BeTrue())
		})

		It("should only cancel a concurrently submitted job it reports", func() {
			for i := 0; i < 300; i++ {
				dequeueCtx, stopDequeue := context.WithCancel(ctx)
				var (
					wg      sync.WaitGroup
					outcome lookuppool.CancelOutcome
					job     *lookuppool.Job
					started bool
				)
				wg.Add(2)
				go func() {
					defer wg.Done()
					if _, err := coord.Submit(ctx, "u1", "One", "12345678"); err != nil {
						return
					}
					var err error
					if job, err = queue.Dequeue(dequeueCtx); err != nil {
						job = nil
						return
					}
					started = registry.TryStart(job.Requester)
					queue.Done(job)
					registry.Clear(job.Requester)
				}()
				go func() {
					defer wg.Done()
					outcome = coord.RequestCancel("u1")
					if outcome.RemovedFromQueue {
						stopDequeue()
					}
				}()
				wg.Wait()
				stopDequeue()

				if job != nil && !started {
					Expect(outcome.Flagged).To(BeTrue(), "iteration %d cancelled a job it did not report", i)
				}
				Expect(registry.ShouldCancel("u1")).To(BeFalse(), "iteration %d left a flag behind", i)
			}
		})
	})

	Describe("QueryHistory", func() {
		It("should return only completed runs up to the default limit", func() {
			for i := 0; i < 7; i++ {
				Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", DurationSec: seconds(1), Status: lookuppool.RunStatusCompleted})).To(Succeed())
			}
			Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", Status: lookuppool.RunStatusError})).To(Succeed())

			records, err := coord.QueryHistory(ctx, "u1", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(5))
			for _, r := range records {
				Expect(r.Status).To(Equal(lookuppool.RunStatusCompleted))
			}

			records, err = coord.QueryHistory(ctx, "u1", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
		})
	})

	Describe("QueryStats", func() {
		It("should delegate to the history store", func() {
			Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", DurationSec: seconds(4), Status: lookuppool.RunStatusCompleted})).To(Succeed())
			Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", Status: lookuppool.RunStatusCancelled})).To(Succeed())

			stats, err := coord.QueryStats(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(Equal(lookuppool.Stats{TotalRuns: 2, AvgRuntimeSec: 4, TotalCancelled: 1}))
		})
	})

	Describe("Repeat", func() {
		It("should fail without a previous lookup", func() {
			_, err := coord.Repeat(ctx, "u1", "One")
			Expect(err).To(MatchError(lookuppool.ErrNoPreviousLookup))
		})
	})
})

var _ = Describe("Coordinator with a running worker", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(nil)
		h.driver.fn = func(_ context.Context, req lookuppool.DriveRequest, _ func() bool) (*lookuppool.Artifact, error) {
			return writeArtifact(h.dir, req), nil
		}
		h.start()
	})

	AfterEach(func() {
		h.stop()
	})

	It("should repeat the last completed identifier", func() {
		_, err := h.coord.Submit(context.Background(), "u1", "One", "87654321")
		Expect(err).NotTo(HaveOccurred())
		Expect(h.next().status).To(Equal(lookuppool.RunStatusCompleted))

		_, err = h.coord.Repeat(context.Background(), "u1", "One")
		Expect(err).NotTo(HaveOccurred())
		r := h.next()
		Expect(r.job.Identifier).To(Equal("87654321"))

		calls := h.driver.Calls()
		Expect(calls).To(HaveLen(2))
		Expect(calls[1].Identifier).To(Equal("87654321"))
	})
})
