package httpserver

import (
	"net/http"
	"time"

	"idlink/internal/platform/config"
)

// readHeaderTimeout is fixed; adapters send small JSON bodies.
const readHeaderTimeout = 5 * time.Second

// New builds the adapter API server. WriteTimeout must cover a request that
// waits for a worker and then for the directory and the mail provider.
func New(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
