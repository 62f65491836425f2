package engine_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/insightvmi/insightd/internal/config"
	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/internal/metrics"
	"github.com/insightvmi/insightd/internal/registry"
	"github.com/insightvmi/insightd/pkg/memspecs"
	"github.com/insightvmi/insightd/pkg/symbols"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// writeIdentityMappedImage writes a flat physical-memory image, with a
// single-level x86_64 page table chain that identity-maps the first 16
// pages, to a temp file and returns its path. Mirrors pkg/revmap's own
// identityVM test harness, since Engine only opens images by path.
func writeIdentityMappedImage(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	const pml4 = 0xf000
	binary.LittleEndian.PutUint64(data[pml4:], 0xf100|1)
	binary.LittleEndian.PutUint64(data[0xf100:], 0xf200|1)
	binary.LittleEndian.PutUint64(data[0xf200:], 0xf300|1)
	for i := 0; i < 16; i++ {
		pagePhys := uint64(i * 0x1000)
		binary.LittleEndian.PutUint64(data[0xf300+uint64(i)*8:], pagePhys|1)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mem.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, data
}

func identitySpecs() *memspecs.MemSpecs {
	return &memspecs.MemSpecs{Arch: memspecs.ArchX86_64, InitLevel4Pgt: 0xf000}
}

func buildFactory(t *testing.T, headAddr uint64) *symbols.SymbolFactory {
	t.Helper()
	f := symbols.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	must(f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtInt32, Name: "int", Size: 4}))
	must(f.FeedVariable(symbols.VariableInfo{Name: "head", RefProducerID: 1, Address: headAddr}))
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f
}

func TestEngine_LoadDumpRegistersAndReportsHealth(t *testing.T) {
	path, _ := writeIdentityMappedImage(t, 0x10000)
	reg := openMemRegistry(t)
	f := buildFactory(t, 0x100)

	e := engine.New(&config.Config{}, discardLogger(),
		engine.WithFactory(f), engine.WithMemSpecs(identitySpecs()), engine.WithRegistry(reg))

	d, err := e.LoadDump(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadDump: %v", err)
	}
	if d.Path != path {
		t.Errorf("Path = %q, want %q", d.Path, path)
	}

	got, ok := e.Dump(d.ID)
	if !ok || got != d {
		t.Errorf("Dump(%d) = %v, %v, want %v, true", d.ID, got, ok, d)
	}
	if len(e.ListDumps()) != 1 {
		t.Errorf("ListDumps() len = %d, want 1", len(e.ListDumps()))
	}

	h := e.Health()
	if h.LoadedDumps != 1 {
		t.Errorf("Health().LoadedDumps = %d, want 1", h.LoadedDumps)
	}
	if h.TypeCount != f.TypeCount() {
		t.Errorf("Health().TypeCount = %d, want %d", h.TypeCount, f.TypeCount())
	}

	if err := e.UnloadDump(context.Background(), d.ID); err != nil {
		t.Fatalf("UnloadDump: %v", err)
	}
	if _, ok := e.Dump(d.ID); ok {
		t.Error("Dump found after UnloadDump, want not found")
	}
}

func TestEngine_LoadDumpWithoutFactoryFails(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger())
	if _, err := e.LoadDump(context.Background(), "/nonexistent"); err == nil {
		t.Error("LoadDump with no factory/memspecs = nil error, want error")
	}
}

func TestEngine_UnloadDumpUnknownIDFails(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger(), engine.WithFactory(symbols.New()), engine.WithMemSpecs(identitySpecs()))
	if err := e.UnloadDump(context.Background(), 999); err == nil {
		t.Error("UnloadDump(999) = nil error, want error")
	}
}

func TestEngine_LoadDumpUpdatesMetrics(t *testing.T) {
	path, _ := writeIdentityMappedImage(t, 0x10000)
	f := buildFactory(t, 0x100)
	m := metrics.New()

	e := engine.New(&config.Config{}, discardLogger(),
		engine.WithFactory(f), engine.WithMemSpecs(identitySpecs()), engine.WithMetrics(m))

	d, err := e.LoadDump(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadDump: %v", err)
	}
	if got := testutil.ToFloat64(m.DumpsLoaded); got != 1 {
		t.Errorf("DumpsLoaded = %v, want 1", got)
	}

	if err := e.UnloadDump(context.Background(), d.ID); err != nil {
		t.Fatalf("UnloadDump: %v", err)
	}
	if got := testutil.ToFloat64(m.DumpsLoaded); got != 0 {
		t.Errorf("DumpsLoaded after unload = %v, want 0", got)
	}
}

func TestEngine_LoadDumpMissingFileIncrementsErrorMetric(t *testing.T) {
	m := metrics.New()
	e := engine.New(&config.Config{}, discardLogger(),
		engine.WithFactory(symbols.New()), engine.WithMemSpecs(identitySpecs()), engine.WithMetrics(m))

	if _, err := e.LoadDump(context.Background(), "/no/such/image"); err == nil {
		t.Fatal("LoadDump of nonexistent path = nil error, want error")
	}
	if got := testutil.ToFloat64(m.DumpLoadErrors); got != 1 {
		t.Errorf("DumpLoadErrors = %v, want 1", got)
	}
}

func TestEngine_BuildRevMapWalksFromSeedVariable(t *testing.T) {
	const headAddr = 0x100
	path, _ := writeIdentityMappedImage(t, 0x10000)
	f := buildFactory(t, headAddr)

	e := engine.New(&config.Config{}, discardLogger(), engine.WithFactory(f), engine.WithMemSpecs(identitySpecs()))
	d, err := e.LoadDump(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadDump: %v", err)
	}

	mm, err := e.BuildRevMap(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("BuildRevMap: %v", err)
	}
	if len(mm.Flatten()) != 1 {
		t.Errorf("Flatten() len = %d, want 1 (just the seeded int)", len(mm.Flatten()))
	}

	got, ok := e.Dump(d.ID)
	if !ok || got.MemoryMap != mm {
		t.Error("Dump's MemoryMap not updated by BuildRevMap")
	}
}

func TestEngine_BuildRevMapUnknownDumpFails(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger(), engine.WithFactory(symbols.New()), engine.WithMemSpecs(identitySpecs()))
	if _, err := e.BuildRevMap(context.Background(), 42); err == nil {
		t.Error("BuildRevMap(42) = nil error, want error")
	}
}

type fakeFindingsSink struct {
	inserted []findings.Finding
}

func (s *fakeFindingsSink) BatchInsert(_ context.Context, f findings.Finding) error {
	s.inserted = append(s.inserted, f)
	return nil
}
func (s *fakeFindingsSink) Close(context.Context) {}

func TestEngine_RecordFindingForwardsToSinkAndMetrics(t *testing.T) {
	sink := &fakeFindingsSink{}
	m := metrics.New()
	e := engine.New(&config.Config{}, discardLogger(), engine.WithFindings(sink), engine.WithMetrics(m))

	e.RecordFinding(context.Background(), findings.Finding{DumpID: 1, Kind: findings.KindMismatch, PageAddr: 0x1000})

	if len(sink.inserted) != 1 {
		t.Fatalf("sink received %d findings, want 1", len(sink.inserted))
	}
	if got := testutil.ToFloat64(m.FindingsRecorded.WithLabelValues(string(findings.KindMismatch))); got != 1 {
		t.Errorf("FindingsRecorded{mismatch} = %v, want 1", got)
	}
}

func TestEngine_StartReopensRegisteredDumps(t *testing.T) {
	path, _ := writeIdentityMappedImage(t, 0x10000)
	reg := openMemRegistry(t)
	f := buildFactory(t, 0x100)

	id, err := reg.Register(context.Background(), path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.SetState(context.Background(), id, registry.StateLoaded, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	e := engine.New(&config.Config{}, discardLogger(),
		engine.WithFactory(f), engine.WithMemSpecs(identitySpecs()), engine.WithRegistry(reg))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, ok := e.Dump(id); !ok {
		t.Error("previously-registered dump not reopened by Start")
	}
}

func TestEngine_SetFactoryAndMemSpecsReplaceState(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger())
	f := buildFactory(t, 0x100)
	specs := identitySpecs()

	e.SetFactory(f)
	e.SetMemSpecs(specs)

	if e.Factory() != f {
		t.Error("Factory() did not return the value set by SetFactory")
	}
	if e.MemSpecs() != specs {
		t.Error("MemSpecs() did not return the value set by SetMemSpecs")
	}
}

func TestEngine_DiffDumpsReportsByteRuns(t *testing.T) {
	pathA, dataA := writeIdentityMappedImage(t, 0x10000)
	_ = dataA
	dir := t.TempDir()
	pathB := filepath.Join(dir, "mem2.img")
	dataB := make([]byte, 0x10000)
	copy(dataB, dataA)
	// Diverge one byte inside the identity-mapped first page.
	dataB[0x40] ^= 0xff
	if err := os.WriteFile(pathB, dataB, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := buildFactory(t, 0x100)
	e := engine.New(&config.Config{}, discardLogger(), engine.WithFactory(f), engine.WithMemSpecs(identitySpecs()))

	dA, err := e.LoadDump(context.Background(), pathA)
	if err != nil {
		t.Fatalf("LoadDump A: %v", err)
	}
	dB, err := e.LoadDump(context.Background(), pathB)
	if err != nil {
		t.Fatalf("LoadDump B: %v", err)
	}

	tree, err := e.DiffDumps(context.Background(), dA.ID, dB.ID, 0, 0x1000)
	if err != nil {
		t.Fatalf("DiffDumps: %v", err)
	}
	runs := tree.Runs()
	if len(runs) != 1 {
		t.Fatalf("Runs() = %d, want 1: %+v", len(runs), runs)
	}
	if runs[0].Start != 0x40 || runs[0].End != 0x41 {
		t.Errorf("run = %+v, want {0x40, 0x41}", runs[0])
	}
}

func TestEngine_DiffDumpsUnknownIDFails(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger(), engine.WithFactory(symbols.New()), engine.WithMemSpecs(identitySpecs()))
	if _, err := e.DiffDumps(context.Background(), 1, 2, 0, 0x1000); err == nil {
		t.Error("DiffDumps with unknown ids = nil error, want error")
	}
}

func TestEngine_StartTwiceFails(t *testing.T) {
	e := engine.New(&config.Config{}, discardLogger())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start = nil error, want error")
	}
}
