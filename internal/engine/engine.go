// Package engine contains the insightd orchestrator. It owns the
// finalized SymbolFactory, every currently loaded memory image, the
// dump/session registry, and the page-integrity findings sink, wiring
// them together the way internal/agent.Agent wired watchers, the local
// alert queue, and the gRPC transport client.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/insightvmi/insightd/internal/audit"
	"github.com/insightvmi/insightd/internal/config"
	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/internal/metrics"
	"github.com/insightvmi/insightd/internal/registry"
	"github.com/insightvmi/insightd/pkg/memspecs"
	"github.com/insightvmi/insightd/pkg/revmap"
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// Dump is one loaded memory image: its registry entry, the VirtualMemory
// it was opened through, and (once built) its reverse map.
type Dump struct {
	ID        int64
	Path      string
	image     *DumpImage
	VM        *vmem.VirtualMemory
	MemoryMap *revmap.MemoryMap // nil until "memory revmap build" runs
}

// FindingsSink is the subset of *findings.Store the engine depends on,
// kept narrow so tests can fake it without a live PostgreSQL connection.
type FindingsSink interface {
	BatchInsert(ctx context.Context, f findings.Finding) error
	Close(ctx context.Context)
}

// Engine is the central orchestrator of the insightd daemon. It starts and
// supervises the symbol factory, the loaded-dump set, the registry, and
// the findings sink.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	factory  *symbols.SymbolFactory
	specs    *memspecs.MemSpecs
	registry *registry.Registry
	findings FindingsSink
	auditLog *audit.Logger
	metrics  *metrics.Metrics

	startTime time.Time

	mu      sync.RWMutex
	dumps   map[int64]*Dump
	running bool
}

// Option is a functional option for Engine construction.
type Option func(*Engine)

// WithFactory registers an already-finalized SymbolFactory.
func WithFactory(f *symbols.SymbolFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithMemSpecs registers the architecture/kernel memory-layout constants
// used to open every subsequent dump.
func WithMemSpecs(s *memspecs.MemSpecs) Option {
	return func(e *Engine) { e.specs = s }
}

// WithRegistry registers the dump/session registry.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithFindings registers the page-integrity findings sink. Optional: a
// nil sink means PageVerifier results are logged only.
func WithFindings(f FindingsSink) Option {
	return func(e *Engine) { e.findings = f }
}

// WithAuditLog registers the tamper-evident provenance log.
func WithAuditLog(l *audit.Logger) Option {
	return func(e *Engine) { e.auditLog = l }
}

// WithMetrics registers the Prometheus metrics sink. Optional: a nil
// sink means operational counters are simply not collected.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a new Engine from the provided configuration and logger.
// Provide the factory, memspecs, registry, findings sink, and audit log
// via the functional options above; any component left unset degrades
// gracefully (e.g. findings results are only logged when no sink is set).
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		dumps:  make(map[int64]*Dump),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start marks the engine as running and re-scans the registry, so that
// dumps still marked "loaded" or "symbols-bound" from a previous process
// are reopened (or flagged "missing" if their file has since vanished).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	e.logEvent("engine-started", map[string]any{"log_level": e.cfg.LogLevel})

	if e.registry == nil {
		return nil
	}
	entries, err := e.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: list registry entries: %w", err)
	}
	for _, entry := range entries {
		if entry.State != registry.StateLoaded && entry.State != registry.StateSymbolsBound {
			continue
		}
		if _, err := e.reopenDump(ctx, entry); err != nil {
			e.logger.Warn("engine: failed to reopen registered dump",
				slog.Int64("id", entry.ID), slog.String("path", entry.DumpPath), slog.Any("error", err))
			_ = e.registry.SetState(ctx, entry.ID, registry.StateMissing, err.Error())
		}
	}
	return nil
}

// Stop closes every loaded dump, the registry, and the findings sink.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	dumps := e.dumps
	e.dumps = make(map[int64]*Dump)
	e.mu.Unlock()

	for _, d := range dumps {
		_ = d.image.Close()
	}

	if e.findings != nil {
		e.findings.Close(context.Background())
	}
	if e.registry != nil {
		if err := e.registry.Close(); err != nil {
			e.logger.Warn("engine: error closing registry", slog.Any("error", err))
		}
	}
	if e.auditLog != nil {
		if err := e.auditLog.Close(); err != nil {
			e.logger.Warn("engine: error closing audit log", slog.Any("error", err))
		}
	}

	e.logger.Info("engine stopped")
}

// x86_64AddrSpaceEnd is the upper bound of the canonical 64-bit virtual
// address space, used as the reverse map's range-tree span.
const x86_64AddrSpaceEnd = math.MaxUint64

// LoadDump opens the physical-memory image at path, registers it (or
// updates its existing registration), and makes it queryable via VM.
// It implements the "memory load" CLI command.
func (e *Engine) LoadDump(ctx context.Context, path string) (*Dump, error) {
	e.mu.RLock()
	factory, specs := e.factory, e.specs
	e.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("engine: no symbol factory loaded")
	}
	if specs == nil {
		return nil, fmt.Errorf("engine: no memspecs loaded")
	}

	image, err := OpenDumpImage(path)
	if err != nil {
		if e.metrics != nil {
			e.metrics.DumpLoadErrors.Inc()
		}
		return nil, err
	}

	var id int64
	if e.registry != nil {
		id, err = e.registry.Register(ctx, path)
		if err != nil {
			_ = image.Close()
			if e.metrics != nil {
				e.metrics.DumpLoadErrors.Inc()
			}
			return nil, fmt.Errorf("engine: register dump: %w", err)
		}
	}

	vm := vmem.New(specs, image, vmem.WithThreadSafe(true))

	d := &Dump{ID: id, Path: path, image: image, VM: vm}
	e.mu.Lock()
	e.dumps[id] = d
	count := len(e.dumps)
	e.mu.Unlock()

	if e.registry != nil {
		_ = e.registry.SetState(ctx, id, registry.StateLoaded, "")
	}
	if e.metrics != nil {
		e.metrics.DumpsLoaded.Set(float64(count))
	}
	e.logEvent("dump-loaded", map[string]any{"id": id, "path": path})
	return d, nil
}

// reopenDump is LoadDump's restart-time counterpart: it reuses an
// existing registry entry's id instead of minting a new one.
func (e *Engine) reopenDump(ctx context.Context, entry registry.Entry) (*Dump, error) {
	e.mu.RLock()
	specs := e.specs
	e.mu.RUnlock()
	if specs == nil {
		return nil, fmt.Errorf("engine: no memspecs loaded")
	}

	image, err := OpenDumpImage(entry.DumpPath)
	if err != nil {
		return nil, err
	}
	vm := vmem.New(specs, image, vmem.WithThreadSafe(true))

	d := &Dump{ID: entry.ID, Path: entry.DumpPath, image: image, VM: vm}
	e.mu.Lock()
	e.dumps[entry.ID] = d
	e.mu.Unlock()
	return d, nil
}

// UnloadDump closes and deregisters a loaded dump. It implements the
// "memory unload" CLI command.
func (e *Engine) UnloadDump(ctx context.Context, id int64) error {
	e.mu.Lock()
	d, ok := e.dumps[id]
	if ok {
		delete(e.dumps, id)
	}
	count := len(e.dumps)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no loaded dump with id %d", id)
	}

	_ = d.image.Close()
	if e.registry != nil {
		if err := e.registry.Unregister(ctx, id); err != nil {
			return fmt.Errorf("engine: unregister dump %d: %w", id, err)
		}
	}
	if e.metrics != nil {
		e.metrics.DumpsLoaded.Set(float64(count))
	}
	e.logEvent("dump-unloaded", map[string]any{"id": id, "path": d.Path})
	return nil
}

// Dump returns the loaded dump with the given id, implementing the
// "[dump-index]" argument every memory-query CLI command accepts.
func (e *Engine) Dump(id int64) (*Dump, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.dumps[id]
	return d, ok
}

// ListDumps returns every currently loaded dump, ordered by id. It
// implements the "memory list" CLI command.
func (e *Engine) ListDumps() []*Dump {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Dump, 0, len(e.dumps))
	for _, d := range e.dumps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Factory returns the engine's finalized symbol factory.
func (e *Engine) Factory() *symbols.SymbolFactory {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factory
}

// SetFactory replaces the engine's symbol factory, implementing the
// "symbols parse"/"symbols load" CLI commands run against an already
// constructed Engine. Existing loaded dumps are unaffected: their
// VirtualMemory handles consult the factory only at query time.
func (e *Engine) SetFactory(f *symbols.SymbolFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factory = f
}

// SetMemSpecs replaces the engine's architecture/kernel memory-layout
// constants, implementing the "memory specs" CLI command's load path.
func (e *Engine) SetMemSpecs(s *memspecs.MemSpecs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = s
}

// MemSpecs returns the engine's current architecture/kernel memory-layout
// constants, implementing "memory specs"'s display path.
func (e *Engine) MemSpecs() *memspecs.MemSpecs {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.specs
}

// BuildRevMap builds the reverse map for a loaded dump, implementing the
// "memory revmap build" CLI command. The result is cached on the Dump;
// calling it again rebuilds from scratch (the spec does not require
// incremental rebuilds).
func (e *Engine) BuildRevMap(ctx context.Context, id int64, opts ...revmap.BuilderOption) (*revmap.MemoryMap, error) {
	d, ok := e.Dump(id)
	if !ok {
		return nil, fmt.Errorf("engine: no loaded dump with id %d", id)
	}

	e.mu.RLock()
	factory := e.factory
	e.mu.RUnlock()

	mm := revmap.NewMemoryMap(factory, d.VM, x86_64AddrSpaceEnd)
	b := revmap.NewBuilder(mm, opts...)

	start := time.Now()
	err := b.Build(ctx)
	if e.metrics != nil {
		e.metrics.RevMapBuildSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("engine: build reverse map for dump %d: %w", id, err)
	}

	e.mu.Lock()
	d.MemoryMap = mm
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RevMapNodesBuilt.WithLabelValues(strconv.FormatInt(id, 10)).Set(float64(mm.Tree().Size()))
	}
	e.logEvent("revmap-built", map[string]any{"id": id, "nodes": mm.Tree().Size()})
	return mm, nil
}

// DiffDumps computes the byte-level differences between two loaded dumps
// over the virtual range [start, end), implementing the "memory diff
// build" CLI command.
func (e *Engine) DiffDumps(ctx context.Context, idA, idB int64, start, end uint64) (*revmap.MemoryDiffTree, error) {
	a, ok := e.Dump(idA)
	if !ok {
		return nil, fmt.Errorf("engine: no loaded dump with id %d", idA)
	}
	b, ok := e.Dump(idB)
	if !ok {
		return nil, fmt.Errorf("engine: no loaded dump with id %d", idB)
	}

	e.mu.RLock()
	factory := e.factory
	e.mu.RUnlock()

	mm := revmap.NewMemoryMap(factory, a.VM, x86_64AddrSpaceEnd)
	tree := mm.DiffWith(b.VM, start, end)
	e.logEvent("diff-built", map[string]any{"a": idA, "b": idB, "runs": len(tree.Runs())})
	return tree, nil
}

// RecordFinding forwards a page-integrity finding to the configured sink
// (if any) and always logs it, per the per-page accumulate-don't-abort
// error-handling rule.
func (e *Engine) RecordFinding(ctx context.Context, f findings.Finding) {
	e.logger.Warn("page-integrity finding",
		slog.Int64("dump_id", f.DumpID), slog.String("kind", string(f.Kind)),
		slog.String("module", f.Module), slog.Uint64("page_addr", f.PageAddr))

	if e.metrics != nil {
		e.metrics.RecordFinding(string(f.Kind))
	}

	if e.findings == nil {
		return
	}
	if err := e.findings.BatchInsert(ctx, f); err != nil {
		e.logger.Warn("engine: failed to record finding", slog.Any("error", err))
	}
}

// logEvent appends an entry to the provenance log, if one is configured.
func (e *Engine) logEvent(kind string, fields map[string]any) {
	if e.auditLog == nil {
		return
	}
	fields["event"] = kind
	payload, err := json.Marshal(fields)
	if err != nil {
		e.logger.Warn("engine: failed to marshal audit payload", slog.Any("error", err))
		return
	}
	if _, err := e.auditLog.Append(payload); err != nil {
		e.logger.Warn("engine: failed to append audit entry", slog.Any("error", err))
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	LoadedDumps int     `json:"loaded_dumps"`
	TypeCount   int     `json:"type_count,omitempty"`
}

// Health returns a snapshot of the current engine health state.
func (e *Engine) Health() HealthStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := HealthStatus{
		Status:      "ok",
		UptimeS:     time.Since(e.startTime).Seconds(),
		LoadedDumps: len(e.dumps),
	}
	if e.factory != nil {
		h.TypeCount = e.factory.TypeCount()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the engine's
// health status as a JSON object and HTTP 200.
func (e *Engine) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := e.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		e.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
