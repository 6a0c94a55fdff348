package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirotools/accountforge/internal/bundle"
	"github.com/kirotools/accountforge/internal/identity"
)

func testBundle(email string, status bundle.Status) *bundle.Bundle {
	id := &identity.Identity{
		Email:     email,
		Password:  "Aa1!abcdefghijkl",
		Name:      "James Smith",
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	b := bundle.Assemble(id, nil, nil)
	b.Status = status
	return b
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
}

func TestFileStoreAppendAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testBundle("a@example.com", bundle.StatusRegistered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, testBundle("b@example.com", bundle.StatusSSOAuthorized)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	bundles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(bundles) != 2 {
		t.Fatalf("len = %d, want 2", len(bundles))
	}
	if bundles[0].Email != "a@example.com" || bundles[1].Email != "b@example.com" {
		t.Errorf("insertion order not preserved: %+v", bundles)
	}
}

func TestFileStoreAppendIsAppendOnly(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// The same address twice yields two records, never an overwrite.
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, testBundle("dup@example.com", bundle.StatusRegistered)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	bundles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(bundles) != 2 {
		t.Fatalf("len = %d, want 2 records for the duplicate append", len(bundles))
	}
}

func TestFileStoreDocumentIsPrettyJSONArray(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Append(context.Background(), testBundle("a@example.com", bundle.StatusRegistered)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	var doc []map[string]any
	if err = json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("document is not a JSON array: %v", err)
	}
	if !strings.Contains(string(raw), "\n  ") {
		t.Error("document is not indented")
	}
}

func TestFileStoreMarkStatus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testBundle("a@example.com", bundle.StatusRegistered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.MarkStatus(ctx, "a@example.com", bundle.StatusPortalAuthorized); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}

	bundles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if bundles[0].Status != bundle.StatusPortalAuthorized {
		t.Errorf("Status = %q, want kiro_authorized", bundles[0].Status)
	}

	// Lower statuses never regress an existing record.
	if err = s.MarkStatus(ctx, "a@example.com", bundle.StatusRegistered); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	bundles, _ = s.List(ctx)
	if bundles[0].Status != bundle.StatusPortalAuthorized {
		t.Errorf("Status regressed to %q", bundles[0].Status)
	}
}

func TestFileStoreMarkStatusPatchesNewestRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testBundle("a@example.com", bundle.StatusRegistered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, testBundle("a@example.com", bundle.StatusRegistered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.MarkStatus(ctx, "a@example.com", bundle.StatusSSOAuthorized); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}

	bundles, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if bundles[0].Status != bundle.StatusRegistered {
		t.Errorf("older record touched: %q", bundles[0].Status)
	}
	if bundles[1].Status != bundle.StatusSSOAuthorized {
		t.Errorf("newest record not patched: %q", bundles[1].Status)
	}
}

func TestFileStoreMarkStatusUnknownAddress(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.MarkStatus(context.Background(), "missing@example.com", bundle.StatusSSOAuthorized)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreListSkipsUnreadableRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	doc := `[
  {"email": "good@example.com", "password": "p", "name": "n", "jwt_token": "", "created_at": "2026-08-30 12:00:00", "status": "registered"},
  {"email": "bad@example.com", "kiro_expires_in": "not-a-number"}
]`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	bundles, err := NewFileStore(path).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(bundles) != 1 || bundles[0].Email != "good@example.com" {
		t.Errorf("bundles = %+v, want only the readable record", bundles)
	}
}

func TestFileStoreListMissingFile(t *testing.T) {
	t.Parallel()

	bundles, err := newTestStore(t).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(bundles) != 0 {
		t.Errorf("bundles = %+v, want empty", bundles)
	}
}

func TestFileStoreRejectsNonArrayDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(`{"email":"x"}`), 0o600); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := NewFileStore(path).Append(context.Background(), testBundle("a@example.com", bundle.StatusRegistered)); err == nil {
		t.Fatal("Append succeeded on a non-array document")
	}
}
