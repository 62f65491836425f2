package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/pkg/symbols"
)

// Server holds the dependencies needed by the debug/query API handlers.
type Server struct {
	engine   EngineStore
	findings FindingsStore // nil when no findings sink is configured
}

// NewServer creates a new Server backed by engine and, optionally, a
// findings store (pass nil to disable GET /api/v1/findings).
func NewServer(engine EngineStore, findingsStore FindingsStore) *Server {
	return &Server{engine: engine, findings: findingsStore}
}

// handleHealthz responds to GET /healthz with no authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// typeSummary is the JSON projection of a symbols.BaseType returned by the
// list/show type endpoints.
type typeSummary struct {
	ID       symbols.TypeID `json:"id"`
	Name     string         `json:"name"`
	RealType string         `json:"real_type"`
	Size     uint64         `json:"size"`
}

func toTypeSummary(bt *symbols.BaseType) typeSummary {
	return typeSummary{ID: bt.ID, Name: bt.Name, RealType: bt.RealType.String(), Size: bt.Size}
}

// handleListTypes responds to GET /api/v1/types.
//
// Supported query parameters:
//
//	name – exact type name filter (optional; omitted lists every type)
//
// Returns HTTP 200 with a JSON array of typeSummary objects.
func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	factory := s.engine.Factory()
	if factory == nil {
		writeError(w, http.StatusServiceUnavailable, "no symbol factory loaded")
		return
	}

	name := r.URL.Query().Get("name")
	var out []typeSummary
	if name != "" {
		for _, bt := range factory.LookupTypeByName(name) {
			out = append(out, toTypeSummary(bt))
		}
	} else {
		types := factory.Types()
		out = make([]typeSummary, 0, len(types))
		for _, bt := range types {
			out = append(out, toTypeSummary(bt))
		}
	}

	if out == nil {
		out = []typeSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleShowType responds to GET /api/v1/types/{id}, where {id} is a
// decimal symbols.TypeID.
func (s *Server) handleShowType(w http.ResponseWriter, r *http.Request, idStr string) {
	factory := s.engine.Factory()
	if factory == nil {
		writeError(w, http.StatusServiceUnavailable, "no symbol factory loaded")
		return
	}

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "type id must be a positive integer")
		return
	}

	bt, ok := factory.Type(symbols.TypeID(id))
	if !ok {
		writeError(w, http.StatusNotFound, "no such type")
		return
	}
	writeJSON(w, http.StatusOK, toTypeSummary(bt))
}

// dumpSummary is the JSON projection of an engine.Dump returned by the
// dump-listing endpoint.
type dumpSummary struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	RevMapBuilt bool   `json:"revmap_built"`
}

// handleListDumps responds to GET /api/v1/dumps with every currently
// loaded memory image.
func (s *Server) handleListDumps(w http.ResponseWriter, r *http.Request) {
	dumps := s.engine.ListDumps()
	out := make([]dumpSummary, 0, len(dumps))
	for _, d := range dumps {
		_, built := revMapOf(d)
		out = append(out, dumpSummary{ID: d.ID, Path: d.Path, RevMapBuilt: built})
	}
	writeJSON(w, http.StatusOK, out)
}

// mapNodeSummary is the JSON projection of a revmap.MapNode returned by
// the reverse-map listing endpoint.
type mapNodeSummary struct {
	Address     uint64         `json:"address"`
	Name        string         `json:"name"`
	TypeID      symbols.TypeID `json:"type_id"`
	Probability float64        `json:"probability"`
	Generation  int            `json:"generation"`
}

// handleDumpRevMap responds to GET /api/v1/dumps/{id}/revmap with the
// flattened list of accepted nodes in a loaded dump's reverse map.
//
// Returns HTTP 404 if the dump is not loaded, HTTP 409 if its reverse map
// has not yet been built ("memory revmap build" has not run for it).
func (s *Server) handleDumpRevMap(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dump id must be an integer")
		return
	}

	d, ok := s.engine.Dump(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such loaded dump")
		return
	}
	mm, built := revMapOf(d)
	if !built {
		writeError(w, http.StatusConflict, "reverse map has not been built for this dump")
		return
	}

	nodes := mm.Flatten()
	out := make([]mapNodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, mapNodeSummary{
			Address:     n.RangeStart(),
			Name:        n.Name,
			TypeID:      n.Instance.TypeID,
			Probability: n.Probability(),
			Generation:  n.Generation,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetFindings responds to GET /api/v1/findings.
//
// Supported query parameters:
//
//	dump_id – loaded dump id (required)
//	kind    – one of missing-module, unresolved-relocation, mismatch (optional)
//	from    – RFC3339 start of the created_at window (optional, default zero time)
//	to      – RFC3339 end of the created_at window (optional)
//	limit   – maximum results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 503 if no findings sink is configured.
func (s *Server) handleGetFindings(w http.ResponseWriter, r *http.Request) {
	if s.findings == nil {
		writeError(w, http.StatusServiceUnavailable, "no findings sink configured")
		return
	}

	q := r.URL.Query()
	dumpIDStr := q.Get("dump_id")
	if dumpIDStr == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'dump_id' is required")
		return
	}
	dumpID, err := strconv.ParseInt(dumpIDStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'dump_id' must be an integer")
		return
	}

	fq := findings.FindingQuery{DumpID: dumpID}

	if kind := q.Get("kind"); kind != "" {
		fq.Kind = findings.Kind(kind)
	}
	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		fq.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		fq.To = to
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		fq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		fq.Offset = offset
	}

	results, err := s.findings.QueryFindings(r.Context(), fq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query findings")
		return
	}
	if results == nil {
		results = []findings.Finding{}
	}
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
