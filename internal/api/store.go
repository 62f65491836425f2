// Package api provides the debug/query HTTP API: a read-only chi router
// with JWT RS256 bearer middleware exposing the engine's type graph,
// loaded dumps, and reverse map over HTTP, the way internal/server/rest
// exposed the dashboard's alert/host/audit store.
package api

import (
	"context"

	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/pkg/revmap"
	"github.com/insightvmi/insightd/pkg/symbols"
)

// EngineStore is the subset of *engine.Engine the handlers depend on,
// narrowed to an interface so handlers can be tested against a fake
// engine without a live dump or registry.
type EngineStore interface {
	Factory() *symbols.SymbolFactory
	Dump(id int64) (*engine.Dump, bool)
	ListDumps() []*engine.Dump
}

// FindingsStore is the subset of *findings.Store the handlers depend on.
type FindingsStore interface {
	QueryFindings(ctx context.Context, q findings.FindingQuery) ([]findings.Finding, error)
}

// revMapOf returns the reverse map currently built for a dump, if any.
func revMapOf(d *engine.Dump) (*revmap.MemoryMap, bool) {
	if d == nil || d.MemoryMap == nil {
		return nil, false
	}
	return d.MemoryMap, true
}
