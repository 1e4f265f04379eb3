// Package audit records the outcome of every signed mutation so operators
// can reconstruct who asked the court to do what, and when.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// Request outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Entry is one auditable gateway decision.
type Entry struct {
	RequestID string `json:"requestId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Outcome   string `json:"outcome"`
	Code      string `json:"code,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Recorder persists audit entries. Implementations must never fail the
// request that produced the entry.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type lineRecorder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineRecorder returns a Recorder writing one JSON object per entry
// to w. A nil writer falls back to os.Stdout.
func NewLineRecorder(w io.Writer) Recorder {
	if w == nil {
		w = os.Stdout
	}
	return &lineRecorder{w: w}
}

func (l *lineRecorder) Record(_ context.Context, e Entry) {
	type line struct {
		Entry
		AuditID string    `json:"auditId"`
		At      time.Time `json:"at"`
	}
	b, err := json.Marshal(line{Entry: e, AuditID: uuid.NewString(), At: time.Now().UTC()})
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix for easy filtering alongside application logs.
	_, _ = l.w.Write(append(append([]byte("AUDIT: "), b...), '\n'))
}

type storeRecorder struct {
	st     *store.Store
	logger *slog.Logger
}

// NewStoreRecorder returns a Recorder backed by the audit_events table.
func NewStoreRecorder(st *store.Store, logger *slog.Logger) Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeRecorder{st: st, logger: logger}
}

func (r *storeRecorder) Record(ctx context.Context, e Entry) {
	ev := &store.AuditEvent{
		AuditID:   uuid.NewString(),
		RequestID: e.RequestID,
		AgentID:   e.AgentID,
		Method:    e.Method,
		Path:      e.Path,
		Outcome:   e.Outcome,
		Code:      e.Code,
		IP:        e.IP,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.st.InsertAuditEvent(ctx, ev); err != nil {
		r.logger.Warn("audit insert failed", "error", err, "path", e.Path)
	}
}

// Multi fans each entry out to every recorder in order.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

type multiRecorder []Recorder

func (m multiRecorder) Record(ctx context.Context, e Entry) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Nop returns a Recorder that discards entries.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) {}
