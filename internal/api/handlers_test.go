package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/insightvmi/insightd/internal/api"
	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/pkg/symbols"
)

func buildTestFactory(t *testing.T) *symbols.SymbolFactory {
	t.Helper()
	f := symbols.New()
	if err := f.Feed(symbols.TypeInfo{ProducerID: 1, RealType: symbols.RtInt32, Name: "int", Size: 4}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := f.Feed(symbols.TypeInfo{
		ProducerID: 2, RealType: symbols.RtStruct, Name: "task_struct", Size: 8,
		Members: []symbols.TypeInfoMember{{Name: "pid", RefProducerID: 1, ByteOffset: 0, BitSize: 32}},
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f
}

// fakeFindings is a test double for api.FindingsStore.
type fakeFindings struct {
	results []findings.Finding
	err     error
}

func (f *fakeFindings) QueryFindings(_ context.Context, _ findings.FindingQuery) ([]findings.Finding, error) {
	return f.results, f.err
}

func doRequest(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleListTypes_ReturnsAllWhenNoFilter(t *testing.T) {
	factory := buildTestFactory(t)
	srv := api.NewServer(&fakeEngine{factory: factory, dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/types")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d types, want 2", len(got))
	}
}

func TestHandleListTypes_FiltersByName(t *testing.T) {
	factory := buildTestFactory(t)
	srv := api.NewServer(&fakeEngine{factory: factory, dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/types?name=task_struct")

	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "task_struct" {
		t.Errorf("got %+v, want one task_struct entry", got)
	}
}

func TestHandleShowType_NotFound(t *testing.T) {
	factory := buildTestFactory(t)
	srv := api.NewServer(&fakeEngine{factory: factory, dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/types/999")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListDumps_Empty(t *testing.T) {
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/dumps")

	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d dumps, want 0", len(got))
	}
}

func TestHandleDumpRevMap_NotLoaded(t *testing.T) {
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/dumps/42/revmap")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetFindings_NoSinkConfigured(t *testing.T) {
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/findings?dump_id=1")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleGetFindings_RequiresDumpID(t *testing.T) {
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, &fakeFindings{})
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/findings")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetFindings_ReturnsResults(t *testing.T) {
	fake := &fakeFindings{results: []findings.Finding{
		{FindingID: "f1", DumpID: 1, Kind: findings.KindMismatch, CreatedAt: time.Now()},
	}}
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, fake)
	rec := doRequest(t, api.NewRouter(srv, nil, nil), "/api/v1/findings?dump_id=1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var got []findings.Finding
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].FindingID != "f1" {
		t.Errorf("got %+v, want one finding f1", got)
	}
}
