// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

// Package httpapi builds the indexer's HTTP surface per §6: a "/health" endpoint,
// a Prometheus "/metrics" endpoint, and every sink's own BuildRoutes() mounted under
// its name, all on chi. The gRPC server does not share this router: the orchestrator
// serves it on its own port (config.Config.GRPCPort).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dojoengine/torii-go/internal/etl/sink"
)

// SinkRoute pairs a sink's name with the router it contributes, mounted at /<name>.
type SinkRoute struct {
	Name   string
	Router http.Handler
}

// Config wires a Router's dependencies.
type Config struct {
	Version   string
	StartedAt time.Time
	Metrics   *Metrics
	Sinks     []SinkRoute
}

// Router builds the top-level chi.Mux described above.
func Router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", healthHandler(cfg.Version, cfg.StartedAt))

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	for _, s := range cfg.Sinks {
		r.Mount("/"+s.Name, s.Router)
	}

	return r
}

// MountSinks converts every registered sink.Sink into a SinkRoute, calling its
// BuildRoutes() once at startup.
func MountSinks(sinks []sink.Sink) []SinkRoute {
	routes := make([]SinkRoute, 0, len(sinks))
	for _, s := range sinks {
		routes = append(routes, SinkRoute{Name: s.Name(), Router: s.BuildRoutes()})
	}
	return routes
}

func healthHandler(version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"version":         version,
			"uptime_seconds":  int64(time.Since(startedAt).Seconds()),
		})
	}
}
