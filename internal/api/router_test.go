package api_test

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/insightvmi/insightd/internal/api"
	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/metrics"
	"github.com/insightvmi/insightd/pkg/symbols"
)

// fakeEngine is a test double for api.EngineStore.
type fakeEngine struct {
	factory *symbols.SymbolFactory
	dumps   map[int64]*engine.Dump
}

func (f *fakeEngine) Factory() *symbols.SymbolFactory { return f.factory }

func (f *fakeEngine) Dump(id int64) (*engine.Dump, bool) {
	d, ok := f.dumps[id]
	return d, ok
}

func (f *fakeEngine) ListDumps() []*engine.Dump {
	out := make([]*engine.Dump, 0, len(f.dumps))
	for _, d := range f.dumps {
		out = append(out, d)
	}
	return out
}

func generateRouterTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func validBearerToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestRouter_HealthzNoAuth(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	h := api.NewRouter(srv, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	h := api.NewRouter(srv, pub, nil)

	routes := []string{
		"/api/v1/types",
		"/api/v1/dumps",
		"/api/v1/findings?dump_id=1",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	h := api.NewRouter(srv, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dumps", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestRouter_MetricsRouteUnauthenticatedWhenConfigured(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	h := api.NewRouter(srv, pub, metrics.New().Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics without auth, got %d", rec.Code)
	}
}

func TestRouter_MetricsRouteAbsentWhenNotConfigured(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := api.NewServer(&fakeEngine{dumps: map[int64]*engine.Dump{}}, nil)
	h := api.NewRouter(srv, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured /metrics, got %d", rec.Code)
	}
}
