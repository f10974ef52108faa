package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/lookuppool"
	"github.com/VsevolodSauta/lookuppool/delivery"
	"github.com/VsevolodSauta/lookuppool/httpapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var _ = Describe("Server", func() {
	var (
		server  *httptest.Server
		queue   *lookuppool.JobQueue
		history *lookuppool.HistoryStore
		hub     *delivery.Hub
		logDir  string
	)

	do := func(method, path, requester, body string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		if requester != "" {
			req.Header.Set(httpapi.HeaderRequesterID, requester)
			req.Header.Set(httpapi.HeaderRequesterName, "Name "+requester)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var out map[string]any
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			_ = json.Unmarshal(data, &out)
		}
		return resp, out
	}

	BeforeEach(func() {
		var err error
		logDir, err = os.MkdirTemp("", "httpapi_*")
		Expect(err).NotTo(HaveOccurred())

		config := &lookuppool.Config{AvgProcessing: 15 * time.Second, HistoryLimit: 5, MaxQueueDepth: 10}
		queue = lookuppool.NewJobQueue(testLogger())
		history = lookuppool.NewHistoryStore(lookuppool.NewInMemoryBackend(), testLogger())
		hub = delivery.NewHub(testLogger())
		coord := lookuppool.NewCoordinator(queue, lookuppool.NewCancelRegistry(), history, nil, config, testLogger())
		server = httptest.NewServer(httpapi.New(coord, hub, logDir, "dev", testLogger()).Routes())
	})

	AfterEach(func() {
		server.Close()
		hub.Close()
		_ = queue.Close()
		_ = os.RemoveAll(logDir)
	})

	It("should answer health checks without identity", func() {
		resp, body := do(http.MethodGet, "/healthz", "", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("ok"))
	})

	It("should require a requester identity", func() {
		resp, _ := do(http.MethodGet, "/v1/status", "", "")
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	Describe("POST /v1/lookups", func() {
		It("should queue a valid lookup", func() {
			resp, body := do(http.MethodPost, "/v1/lookups", "u1", `{"identifier":"123456789"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(body["position"]).To(BeNumerically("==", 1))
			Expect(body["estimated_wait_sec"]).To(BeNumerically("==", 15))
			Expect(body["message"]).To(ContainSubstring("#1 in line"))
			Expect(queue.Len()).To(Equal(1))
		})

		It("should reject an invalid identifier", func() {
			resp, body := do(http.MethodPost, "/v1/lookups", "u1", `{"identifier":"12"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(ContainSubstring("8 or 9-digit"))
		})

		It("should reject a malformed body", func() {
			resp, _ := do(http.MethodPost, "/v1/lookups", "u1", `{`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("DELETE /v1/lookups", func() {
		It("should remove a queued lookup", func() {
			do(http.MethodPost, "/v1/lookups", "u1", `{"identifier":"12345678"}`)
			resp, body := do(http.MethodDelete, "/v1/lookups", "u1", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["removed_from_queue"]).To(BeTrue())
			Expect(queue.Len()).To(Equal(0))
		})

		It("should report nothing to cancel", func() {
			_, body := do(http.MethodDelete, "/v1/lookups", "u1", "")
			Expect(body["removed_from_queue"]).To(BeFalse())
			Expect(body["flagged"]).To(BeFalse())
		})
	})

	It("should report status", func() {
		do(http.MethodPost, "/v1/lookups", "u1", `{"identifier":"12345678"}`)
		do(http.MethodPost, "/v1/lookups", "u2", `{"identifier":"12345678"}`)

		_, body := do(http.MethodGet, "/v1/status", "u2", "")
		Expect(body["position"]).To(BeNumerically("==", 2))
		Expect(body["queue_length"]).To(BeNumerically("==", 2))
		Expect(body["message"]).To(ContainSubstring("30 seconds"))
	})

	It("should return completed history and stats", func() {
		ctx := context.Background()
		d := 12.5
		Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", DurationSec: &d, Status: lookuppool.RunStatusCompleted})).To(Succeed())
		Expect(history.Append(ctx, "u1", lookuppool.RunRecord{Identifier: "12345678", Status: lookuppool.RunStatusCancelled})).To(Succeed())

		req, _ := http.NewRequest(http.MethodGet, server.URL+"/v1/history?limit=5", nil)
		req.Header.Set(httpapi.HeaderRequesterID, "u1")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var entries []map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&entries)).To(Succeed())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0]["id_number"]).To(Equal("12345678"))
		Expect(entries[0]["status"]).To(Equal("completed"))

		_, stats := do(http.MethodGet, "/v1/stats", "u1", "")
		Expect(stats["total_runs"]).To(BeNumerically("==", 2))
		Expect(stats["total_cancelled"]).To(BeNumerically("==", 1))
		Expect(stats["avg_runtime"]).To(BeNumerically("==", 12.5))

		resp, _ = do(http.MethodGet, "/v1/history?limit=abc", "u1", "")
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should export history as xlsx", func() {
		resp, _ := do(http.MethodGet, "/v1/history.xlsx", "u1", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("spreadsheetml"))
	})

	It("should report a missing previous lookup on repeat", func() {
		resp, _ := do(http.MethodPost, "/v1/lookups/repeat", "u1", "")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	Describe("GET /v1/errors", func() {
		It("should refuse anyone but the developer", func() {
			resp, _ := do(http.MethodGet, "/v1/errors", "u1", "")
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("should report a missing log", func() {
			resp, _ := do(http.MethodGet, "/v1/errors", "dev", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should send the error log", func() {
			Expect(os.WriteFile(filepath.Join(logDir, "error.log"), []byte("boom\n"), 0o644)).To(Succeed())

			req, _ := http.NewRequest(http.MethodGet, server.URL+"/v1/errors", nil)
			req.Header.Set(httpapi.HeaderRequesterID, "dev")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, _ := io.ReadAll(resp.Body)
			Expect(string(data)).To(Equal("boom\n"))
		})
	})

	It("should register websocket clients with the hub", func() {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws?requester=u1"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()
		Eventually(func() bool { return hub.Connected("u1") }).Should(BeTrue())
	})

	It("should format wait estimates", func() {
		Expect(httpapi.FormatWait(45 * time.Second)).To(Equal("45 seconds"))
		Expect(httpapi.FormatWait(75 * time.Second)).To(Equal("1 min 15 sec"))
	})
})
