// Package webhook delivers signed event notifications to agent callback
// URLs. Delivery is asynchronous and best-effort: the originating request
// never waits for, or fails on, a receiver.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// Event names carried in the envelope.
const (
	EventAgreementProposed = "agreement_proposed"
	EventAgreementSealed   = "agreement_sealed"
	EventDefenceInvited    = "defence_invited"
	EventJurySummons       = "jury_summons"
	EventVerdictSealed     = "verdict_sealed"
)

// Event is the envelope receivers verify. The canonical JSON form of the
// whole envelope is both the request body and the HMAC input.
type Event struct {
	Event         string `json:"event"`
	EventID       string `json:"eventId"`
	SentAtISO     string `json:"sentAtIso"`
	AgentID       string `json:"agentId"`
	ProposalID    string `json:"proposalId,omitempty"`
	AgreementCode string `json:"agreementCode,omitempty"`
	Body          any    `json:"body,omitempty"`
}

// Notifier is the dispatch surface the court and OCP services depend on.
type Notifier interface {
	Dispatch(ctx context.Context, url string, ev Event)
}

// Nop returns a Notifier that drops every event.
func Nop() Notifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) Dispatch(context.Context, string, Event) {}

// Dispatcher signs and posts events with retries, logging every attempt.
type Dispatcher struct {
	st     *store.Store
	master []byte
	httpc  *http.Client
	logger *slog.Logger

	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration
	allowPrivate bool

	// OnAttempt, when set, observes every attempt outcome.
	OnAttempt func(event string, delivered bool)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	wg    sync.WaitGroup
}

// New builds a dispatcher from the profile's retry ladder. The master
// secret may be empty, in which case every dispatch is logged and skipped.
func New(st *store.Store, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	wc := cfg.Profile.Webhook
	return &Dispatcher{
		st:           st,
		master:       []byte(cfg.WebhookMasterSecret),
		httpc:        &http.Client{Timeout: time.Duration(wc.TimeoutSeconds) * time.Second},
		logger:       logger,
		maxAttempts:  wc.MaxAttempts,
		backoffBase:  time.Duration(wc.BackoffBaseMs) * time.Millisecond,
		backoffCap:   time.Duration(wc.BackoffCapSeconds) * time.Second,
		allowPrivate: cfg.WebhookAllowPrivate,
		now:          time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Dispatch queues one delivery and returns immediately. The delivery runs
// on its own context so the originating request can complete.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, ev Event) {
	if url == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Detached from the originator but bounded by the full ladder.
		budget := time.Duration(d.maxAttempts) * (d.backoffCap + d.httpc.Timeout)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		if err := d.Deliver(dctx, url, ev); err != nil {
			d.logger.Warn("webhook delivery abandoned",
				"event", ev.Event, "eventId", ev.EventID, "agentId", ev.AgentID, "error", err)
		}
	}()
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() { d.wg.Wait() }

// Deliver runs the full retry ladder synchronously and returns the final
// outcome. Exposed for the dispatch goroutine and for tests.
func (d *Dispatcher) Deliver(ctx context.Context, target string, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.SentAtISO == "" {
		ev.SentAtISO = d.now().UTC().Format(time.RFC3339)
	}

	if err := d.checkTarget(ctx, target); err != nil {
		d.record(ctx, ev, target, 1, store.DeliverySkipped, 0, err.Error(), nil)
		return err
	}
	if len(d.master) == 0 {
		err := fmt.Errorf("webhook master secret not configured")
		d.record(ctx, ev, target, 1, store.DeliverySkipped, 0, err.Error(), nil)
		return err
	}
	secret, err := crypto.DeriveWebhookSecret(d.master, ev.AgentID)
	if err != nil {
		d.record(ctx, ev, target, 1, store.DeliverySkipped, 0, err.Error(), nil)
		return err
	}
	body, err := canonicalize.Canonical(ev)
	if err != nil {
		d.record(ctx, ev, target, 1, store.DeliverySkipped, 0, err.Error(), nil)
		return err
	}
	signature := crypto.WebhookSignature(secret, body)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, err := d.post(ctx, target, body, signature)
		if err == nil && status >= 200 && status < 300 {
			d.record(ctx, ev, target, attempt, store.DeliveryDelivered, status, "", body)
			return nil
		}
		if err == nil {
			err = fmt.Errorf("receiver returned %d", status)
		}
		lastErr = err
		d.record(ctx, ev, target, attempt, store.DeliveryFailed, status, err.Error(), body)
		if attempt == d.maxAttempts || ctx.Err() != nil {
			break
		}
		d.sleep(ctx, d.backoff(attempt))
	}
	return fmt.Errorf("webhook %s to %s failed after %d attempts: %w", ev.Event, target, d.maxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OCP-Signature", signature)
	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// backoff doubles per attempt from the base, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.backoffBase << (attempt - 1)
	if b > d.backoffCap || b <= 0 {
		return d.backoffCap
	}
	return b
}

func (d *Dispatcher) record(ctx context.Context, ev Event, target string, attempt int, status string, httpStatus int, errText string, body []byte) {
	if d.OnAttempt != nil {
		d.OnAttempt(ev.Event, status == store.DeliveryDelivered)
	}
	row := &store.WebhookDelivery{
		DeliveryID: uuid.NewString(),
		AgentID:    ev.AgentID,
		Event:      ev.Event,
		EventID:    ev.EventID,
		URL:        target,
		Attempt:    attempt,
		Status:     status,
		HTTPStatus: httpStatus,
		Error:      errText,
		SignedBody: string(body),
		CreatedAt:  d.now().UTC(),
	}
	if err := d.st.InsertWebhookDelivery(ctx, row); err != nil {
		d.logger.Warn("webhook delivery row not persisted", "eventId", ev.EventID, "error", err)
	}
	switch status {
	case store.DeliveryDelivered:
		d.logger.Info("webhook delivered",
			"event", ev.Event, "eventId", ev.EventID, "agentId", ev.AgentID, "attempt", attempt)
	default:
		d.logger.Warn("webhook attempt failed",
			"event", ev.Event, "eventId", ev.EventID, "agentId", ev.AgentID,
			"attempt", attempt, "status", status, "httpStatus", httpStatus, "error", errText)
	}
}

func (d *Dispatcher) checkTarget(ctx context.Context, raw string) error {
	return CheckURL(ctx, raw, d.allowPrivate)
}

// CheckURL rejects callback URLs that would let a registered agent reach
// internal surfaces. Production requires https and a public host; the
// registration handler and the dispatcher apply the same rule.
func CheckURL(ctx context.Context, raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback url invalid: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowPrivate {
			return fmt.Errorf("callback url must use https")
		}
	default:
		return fmt.Errorf("callback url scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("callback url has no host")
	}
	if allowPrivate {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if forbiddenIP(ip) {
			return fmt.Errorf("callback host %s is not publicly routable", host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("callback host %s did not resolve: %w", host, err)
	}
	for _, a := range addrs {
		if forbiddenIP(a.IP) {
			return fmt.Errorf("callback host %s resolves to a non-routable address", host)
		}
	}
	return nil
}

func forbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
