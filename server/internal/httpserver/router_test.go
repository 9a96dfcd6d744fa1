package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "main.js"), []byte("console.log(1)"), 0o600))
	return dir
}

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, name) //nolint:errcheck
	})
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	return Router(Routes{
		API:     named("api"),
		Viewer:  named("viewer"),
		Host:    named("host"),
		Metrics: named("metrics"),
		HostAuth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-API-Key") != "k" {
					http.Error(w, "nope", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		StaticDir: staticDir(t),
	})
}

func body(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Dispatch(t *testing.T) {
	h := newRouter(t)
	cases := map[string]string{
		"/ws":              "viewer",
		"/metrics":         "metrics",
		"/api/hello":       "api",
		"/api/v1/channels": "api",
	}
	for p, want := range cases {
		rr := body(t, h, http.MethodGet, p, nil)
		assert.Equal(t, want, rr.Body.String(), "path %s", p)
	}
}

func TestRouter_HostRequiresAuth(t *testing.T) {
	h := newRouter(t)
	assert.Equal(t, http.StatusUnauthorized, body(t, h, http.MethodGet, "/ws/host", nil).Code)

	rr := body(t, h, http.MethodGet, "/ws/host", map[string]string{"X-API-Key": "k"})
	assert.Equal(t, "host", rr.Body.String())
}

func TestRouter_CORSOnGET(t *testing.T) {
	origin := map[string]string{"Origin": "http://localhost:5173"}

	rr := body(t, newRouter(t), http.MethodGet, "/api/hello", origin)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = body(t, newRouter(t), http.MethodPost, "/api/hello", origin)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_CORSPreflight(t *testing.T) {
	rr := body(t, newRouter(t), http.MethodOptions, "/api/v1/channels", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Less(t, rr.Code, 300)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}

func TestStatic_ServesExistingFile(t *testing.T) {
	rr := body(t, newRouter(t), http.MethodGet, "/assets/main.js", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "console.log(1)", rr.Body.String())
}

func TestStatic_SPAFallback(t *testing.T) {
	for _, p := range []string{"/", "/plots/42", "/assets"} {
		rr := body(t, newRouter(t), http.MethodGet, p, nil)
		require.Equal(t, http.StatusOK, rr.Code, "path %s", p)
		assert.Contains(t, rr.Body.String(), "<html>app</html>", "path %s", p)
	}
}

func TestStatic_NoTraversal(t *testing.T) {
	rr := body(t, Static(staticDir(t)), http.MethodGet, "/../../etc/passwd", nil)
	assert.Contains(t, rr.Body.String(), "<html>app</html>")
}
