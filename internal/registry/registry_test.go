package registry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/insightvmi/insightd/internal/registry"
)

// openMemRegistry opens an in-memory Registry and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpen_InMemory_EmptyCount(t *testing.T) {
	r := openMemRegistry(t)
	if c := r.Count(); c != 0 {
		t.Errorf("Count = %d after open, want 0", c)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")

	r, err := registry.Open(path)
	if err != nil {
		t.Fatalf("registry.Open(%q): %v", path, err)
	}
	_ = r.Close()
}

func TestRegister_IncreasesCountAndSetsLoadingState(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, "/dumps/host-01.vmss")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d after one Register, want 1", r.Count())
	}

	entry, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.DumpPath != "/dumps/host-01.vmss" {
		t.Errorf("DumpPath = %q", entry.DumpPath)
	}
	if entry.State != registry.StateLoading {
		t.Errorf("State = %q, want %q", entry.State, registry.StateLoading)
	}
}

func TestRegister_SamePathIsIdempotent(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id1, err := r.Register(ctx, "/dumps/host-01.vmss")
	if err != nil {
		t.Fatalf("Register #1: %v", err)
	}
	id2, err := r.Register(ctx, "/dumps/host-01.vmss")
	if err != nil {
		t.Fatalf("Register #2: %v", err)
	}
	if id1 != id2 {
		t.Errorf("id1 = %d, id2 = %d, want equal (re-registering the same path)", id1, id2)
	}
	if c := r.Count(); c != 1 {
		t.Errorf("Count = %d after re-registering the same path, want 1", c)
	}
}

func TestBindSymbols_AdvancesState(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id, _ := r.Register(ctx, "/dumps/host-01.vmss")
	if err := r.BindSymbols(ctx, id, "/symbols/5.10.0.sym"); err != nil {
		t.Fatalf("BindSymbols: %v", err)
	}

	entry, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.SymbolsPath != "/symbols/5.10.0.sym" {
		t.Errorf("SymbolsPath = %q", entry.SymbolsPath)
	}
	if entry.State != registry.StateSymbolsBound {
		t.Errorf("State = %q, want %q", entry.State, registry.StateSymbolsBound)
	}
}

func TestSetState_RecordsErrorMessage(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id, _ := r.Register(ctx, "/dumps/host-01.vmss")
	if err := r.SetState(ctx, id, registry.StateError, "short read at offset 0"); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	entry, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.State != registry.StateError {
		t.Errorf("State = %q, want %q", entry.State, registry.StateError)
	}
	if entry.Error != "short read at offset 0" {
		t.Errorf("Error = %q", entry.Error)
	}
}

func TestUnregister_DecreasesCountAndRemovesEntry(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id, _ := r.Register(ctx, "/dumps/host-01.vmss")
	if err := r.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if c := r.Count(); c != 0 {
		t.Errorf("Count = %d after Unregister, want 0", c)
	}
	if _, err := r.Get(ctx, id); err == nil {
		t.Error("Get after Unregister: expected an error (sql.ErrNoRows)")
	}
}

func TestList_OrderedByRegistrationOrder(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	id1, _ := r.Register(ctx, "/dumps/a.vmss")
	id2, _ := r.Register(ctx, "/dumps/b.vmss")

	entries, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != id1 || entries[1].ID != id2 {
		t.Errorf("List order = [%d %d], want [%d %d]", entries[0].ID, entries[1].ID, id1, id2)
	}
}
