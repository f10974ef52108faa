package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/VsevolodSauta/lookuppool"
)

const (
	forwardBuffer  = 32
	forwardTimeout = 10 * time.Second
)

// ForwardHandler wraps a handler and additionally sends Error records to a
// developer through a Notifier. Forwarding is asynchronous and lossy: when
// the buffer is full or no notifier is set, records are only handled by the
// wrapped handler.
type ForwardHandler struct {
	next  slog.Handler
	state *forwardState
	attrs []slog.Attr
}

type forwardState struct {
	developer lookuppool.RequesterID
	ch        chan string

	mu       sync.RWMutex
	notifier lookuppool.Notifier

	once sync.Once
	done chan struct{}
}

// NewForwardHandler wraps next. Call SetNotifier once a notifier exists and
// Close on shutdown.
func NewForwardHandler(next slog.Handler, developer lookuppool.RequesterID) *ForwardHandler {
	st := &forwardState{
		developer: developer,
		ch:        make(chan string, forwardBuffer),
		done:      make(chan struct{}),
	}
	go st.loop()
	return &ForwardHandler{next: next, state: st}
}

// SetNotifier sets the notifier used for forwarding.
func (h *ForwardHandler) SetNotifier(n lookuppool.Notifier) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.notifier = n
}

// Close stops forwarding. Pending records are dropped.
func (h *ForwardHandler) Close() error {
	h.state.once.Do(func() { close(h.state.done) })
	return nil
}

func (h *ForwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *ForwardHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level >= slog.LevelError && h.state.developer != "" {
		select {
		case h.state.ch <- h.format(r):
		default:
		}
	}
	return err
}

func (h *ForwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &ForwardHandler{next: h.next.WithAttrs(attrs), state: h.state, attrs: merged}
}

func (h *ForwardHandler) WithGroup(name string) slog.Handler {
	return &ForwardHandler{next: h.next.WithGroup(name), state: h.state, attrs: h.attrs}
}

func (h *ForwardHandler) format(r slog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s - %s", r.Time.Format("2006-01-02 15:04:05"), r.Level, r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	return b.String()
}

func (st *forwardState) loop() {
	for {
		select {
		case <-st.done:
			return
		case text := <-st.ch:
			st.mu.RLock()
			n := st.notifier
			st.mu.RUnlock()
			if n == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			// Failures are dropped; logging them here would loop.
			_ = n.Notify(ctx, st.developer, text)
			cancel()
		}
	}
}
