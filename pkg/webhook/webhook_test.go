package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

func testDispatcher(t *testing.T, master string) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "court.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		WebhookMasterSecret: master,
		WebhookAllowPrivate: true,
		Profile:             config.DefaultProfile(),
	}
	d := New(st, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Tests never wait out the ladder.
	d.sleep = func(context.Context, time.Duration) {}
	return d, st
}

func TestDeliverSignsAndPosts(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-OCP-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := testDispatcher(t, "master-secret")
	ev := Event{Event: EventAgreementProposed, AgentID: "agent-b", ProposalID: "prop-1", AgreementCode: "PV4DBJZ9WQ"}
	if err := d.Deliver(context.Background(), srv.URL, ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	secret, err := crypto.DeriveWebhookSecret([]byte("master-secret"), "agent-b")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !crypto.WebhookSignatureEqual(secret, gotBody, gotSig) {
		t.Fatal("signature does not verify against the delivered body")
	}

	rows, err := st.ListWebhookDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.DeliveryDelivered || rows[0].Attempt != 1 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].SignedBody != string(gotBody) {
		t.Fatal("stored body differs from delivered body")
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := testDispatcher(t, "master-secret")
	if err := d.Deliver(context.Background(), srv.URL, Event{Event: EventAgreementSealed, AgentID: "agent-a"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	rows, _ := st.ListWebhookDeliveries(context.Background(), 10)
	if len(rows) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(rows))
	}
	var delivered, failed int
	for _, r := range rows {
		switch r.Status {
		case store.DeliveryDelivered:
			delivered++
		case store.DeliveryFailed:
			failed++
		}
	}
	if delivered != 1 || failed != 2 {
		t.Fatalf("delivered = %d failed = %d", delivered, failed)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, st := testDispatcher(t, "master-secret")
	var attempts atomic.Int32
	d.OnAttempt = func(event string, delivered bool) {
		attempts.Add(1)
		if delivered {
			t.Error("no attempt should report delivered")
		}
	}

	err := d.Deliver(context.Background(), srv.URL, Event{Event: EventVerdictSealed, AgentID: "agent-a"})
	if err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if got := calls.Load(); got != int32(d.maxAttempts) {
		t.Fatalf("calls = %d, want %d", got, d.maxAttempts)
	}
	if got := attempts.Load(); got != int32(d.maxAttempts) {
		t.Fatalf("observed attempts = %d, want %d", got, d.maxAttempts)
	}
	rows, _ := st.ListWebhookDeliveries(context.Background(), 10)
	if len(rows) != d.maxAttempts {
		t.Fatalf("rows = %d, want %d", len(rows), d.maxAttempts)
	}
}

func TestDeliverSkipsWithoutMasterSecret(t *testing.T) {
	d, st := testDispatcher(t, "")
	err := d.Deliver(context.Background(), "https://example.com/hook", Event{Event: EventJurySummons, AgentID: "agent-a"})
	if err == nil {
		t.Fatal("want error without master secret")
	}
	rows, _ := st.ListWebhookDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Status != store.DeliverySkipped {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCheckTargetBlocksInternalHosts(t *testing.T) {
	d, _ := testDispatcher(t, "master-secret")
	d.allowPrivate = false

	cases := []string{
		"http://example.com/hook",        // https required
		"https://127.0.0.1/hook",         // loopback
		"https://10.1.2.3/hook",          // rfc1918
		"https://169.254.169.254/latest", // link local
		"https://[::1]/hook",
		"ftp://example.com/hook",
		"https:///nohost",
	}
	for _, target := range cases {
		if err := d.checkTarget(context.Background(), target); err == nil {
			t.Errorf("checkTarget(%q) = nil, want error", target)
		}
	}

	// Literal public addresses pass without DNS.
	if err := d.checkTarget(context.Background(), "https://93.184.216.34/hook"); err != nil {
		t.Fatalf("public literal rejected: %v", err)
	}
}

func TestDispatchDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := testDispatcher(t, "master-secret")

	start := time.Now()
	d.Dispatch(context.Background(), srv.URL, Event{Event: EventAgreementProposed, AgentID: "agent-b"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dispatch blocked for %v", elapsed)
	}
	close(release)
	d.Close()

	rows, _ := st.ListWebhookDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Status != store.DeliveryDelivered {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestBackoffLadder(t *testing.T) {
	d, _ := testDispatcher(t, "master-secret")
	d.backoffBase = time.Second
	d.backoffCap = 30 * time.Second

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
