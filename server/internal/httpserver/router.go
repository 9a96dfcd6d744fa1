package httpserver

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes are the handlers mounted by Router.
type Routes struct {
	API       http.Handler
	Viewer    http.Handler
	Host      http.Handler
	HostAuth  func(http.Handler) http.Handler
	Metrics   http.Handler
	StaticDir string
}

// Router builds the top-level handler.
func Router(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		MaxAge:         300,
	}))

	r.Handle("/ws", rt.Viewer)
	host := rt.Host
	if rt.HostAuth != nil {
		host = rt.HostAuth(host)
	}
	r.Handle("/ws/host", host)

	if rt.Metrics != nil {
		r.Handle("/metrics", rt.Metrics)
	}
	r.Handle("/api/*", rt.API)

	if rt.StaticDir != "" {
		if _, err := os.Stat(rt.StaticDir); err != nil {
			slog.Warn("httpserver: static directory unavailable", "dir", rt.StaticDir, "err", err)
		}
		r.Handle("/*", Static(rt.StaticDir))
	}
	return r
}

// Static serves files from dir. Paths that do not name an existing file are
// answered with dir/index.html so client-side routes resolve.
func Static(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir() && !hasIndex(p)) {
			http.ServeFile(w, r, index)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// --- internal ---------------------------------------------------------------

func hasIndex(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "index.html"))
	return err == nil
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
