package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const treasury = "Treas1111111111111111111111111111111111111"

func rpcServer(t *testing.T, result any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		if req["method"] != "getTransaction" {
			t.Errorf("method = %v", req["method"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
}

func txEnvelope(keys []string, pre, post []uint64, txErr any) map[string]any {
	return map[string]any{
		"meta": map[string]any{
			"err":          txErr,
			"preBalances":  pre,
			"postBalances": post,
		},
		"transaction": map[string]any{
			"message": map[string]any{"accountKeys": keys},
		},
	}
}

func TestVerifyAcceptsTreasuryCredit(t *testing.T) {
	srv := rpcServer(t, txEnvelope(
		[]string{"Payer111", treasury},
		[]uint64{5_000_000, 100},
		[]uint64{4_000_000, 1_000_100},
		nil,
	))
	defer srv.Close()

	c := NewRPCClient(srv.URL, treasury)
	p, err := c.VerifyTreasuryPayment(context.Background(), "sig-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Lamports != 1_000_000 {
		t.Fatalf("lamports = %d, want 1000000", p.Lamports)
	}
	if p.Payer != "Payer111" {
		t.Fatalf("payer = %q", p.Payer)
	}
	if !p.Finalized {
		t.Fatal("not marked finalized")
	}
}

func TestVerifyRejectsMissingTransaction(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()

	c := NewRPCClient(srv.URL, treasury)
	if _, err := c.VerifyTreasuryPayment(context.Background(), "sig-unknown"); err == nil {
		t.Fatal("missing transaction verified")
	}
}

func TestVerifyRejectsFailedTransaction(t *testing.T) {
	srv := rpcServer(t, txEnvelope(
		[]string{"Payer111", treasury},
		[]uint64{100, 100},
		[]uint64{100, 100},
		map[string]any{"InstructionError": []any{0, "Custom"}},
	))
	defer srv.Close()

	c := NewRPCClient(srv.URL, treasury)
	if _, err := c.VerifyTreasuryPayment(context.Background(), "sig-err"); err == nil {
		t.Fatal("failed transaction verified")
	}
}

func TestVerifyRejectsNoCredit(t *testing.T) {
	// Treasury balance unchanged.
	srv := rpcServer(t, txEnvelope(
		[]string{"Payer111", treasury},
		[]uint64{100, 500},
		[]uint64{50, 500},
		nil,
	))
	defer srv.Close()

	c := NewRPCClient(srv.URL, treasury)
	if _, err := c.VerifyTreasuryPayment(context.Background(), "sig-flat"); err == nil {
		t.Fatal("flat balance verified")
	}
}

func TestVerifyRejectsUntouchedTreasury(t *testing.T) {
	srv := rpcServer(t, txEnvelope(
		[]string{"Payer111", "Other222"},
		[]uint64{100, 100},
		[]uint64{50, 150},
		nil,
	))
	defer srv.Close()

	c := NewRPCClient(srv.URL, treasury)
	if _, err := c.VerifyTreasuryPayment(context.Background(), "sig-other"); err == nil {
		t.Fatal("transaction without treasury key verified")
	}
}

func TestStubSkipsPayerChecks(t *testing.T) {
	p, err := Stub{}.VerifyTreasuryPayment(context.Background(), "sig-1")
	if err != nil {
		t.Fatalf("stub verify: %v", err)
	}
	if p.Payer != "" {
		t.Fatalf("stub payer = %q, want empty", p.Payer)
	}
	if p.Lamports == 0 || !p.Finalized {
		t.Fatalf("stub payment = %+v", p)
	}
	if _, err := (Stub{}).VerifyTreasuryPayment(context.Background(), ""); err == nil {
		t.Fatal("stub accepted empty signature")
	}
}
