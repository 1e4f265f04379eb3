package archive

import (
	"bytes"
	"context"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	data := []byte(`{"caseId":"case-1","outcome":"for_prosecution"}`)
	addr, err := st.Put(ctx, data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if addr != Address(data) {
		t.Fatalf("addr = %q, want %q", addr, Address(data))
	}

	ok, err := st.Exists(ctx, addr)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}

	got, err := st.Get(ctx, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("get = %q, want %q", got, data)
	}

	// Second put of the same bytes is a no-op with the same address.
	again, err := st.Put(ctx, data)
	if err != nil || again != addr {
		t.Fatalf("second put = %q, %v", again, err)
	}

	if err := st.Delete(ctx, addr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = st.Exists(ctx, addr)
	if err != nil || ok {
		t.Fatalf("exists after delete = %v, %v", ok, err)
	}
	// Deleting a missing blob is not an error.
	if err := st.Delete(ctx, addr); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAddressValidation(t *testing.T) {
	ctx := context.Background()
	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, bad := range []string{
		"",
		"deadbeef",
		"sha256:xyz",
		"sha256:abcd",
		"md5:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	} {
		if _, err := st.Get(ctx, bad); err == nil {
			t.Fatalf("get %q: want error", bad)
		}
		if _, err := st.Exists(ctx, bad); err == nil {
			t.Fatalf("exists %q: want error", bad)
		}
	}
}

func TestNewFromEnvDefaultsToFS(t *testing.T) {
	t.Setenv("ARCHIVE_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", t.TempDir())
	st, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if _, ok := st.(*FileStore); !ok {
		t.Fatalf("store type = %T, want *FileStore", st)
	}
}

func TestNewFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ARCHIVE_STORAGE_TYPE", "tape")
	if _, err := NewFromEnv(context.Background()); err == nil {
		t.Fatal("want error for unknown backend")
	}
}
