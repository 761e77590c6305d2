package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/swdee/go-posepipe/config"
	"github.com/swdee/go-posepipe/metrics"
	"github.com/swdee/go-posepipe/present"
)

// newServers returns one HTTP server per configured address.  The metrics
// and stream endpoints share a server when given the same address.
func newServers(c *config.Config, m *metrics.Metrics, stream *present.Stream,
	stats metrics.StatsFunc) []*http.Server {

	routers := make(map[string]chi.Router)
	var order []string

	router := func(addr string) chi.Router {
		if r, ok := routers[addr]; ok {
			return r
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)

		routers[addr] = r
		order = append(order, addr)

		return r
	}

	if c.Metrics.Addr != "" {
		r := router(c.Metrics.Addr)
		r.Handle("/metrics", m.Handler())
		r.Get("/healthz", healthHandler(stats))
	}

	if c.Present.StreamAddr != "" && stream != nil {
		r := router(c.Present.StreamAddr)
		r.Handle("/stream", stream)
	}

	servers := make([]*http.Server, 0, len(order))

	for _, addr := range order {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           routers[addr],
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0, // streaming responses
			IdleTimeout:       60 * time.Second,
		})
	}

	return servers
}

// healthHandler reports the scheduler state as JSON
func healthHandler(stats metrics.StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
			Stats  any    `json:"stats"`
		}{
			Status: "ok",
			Stats:  stats(),
		})
	}
}
