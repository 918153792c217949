package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quictun/quicpool/obs"
)

// startAdmin serves metrics, health probes and the tunnel listing. Runs
// until the process exits.
func startAdmin(addr string, reg *registry, ready func() bool) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/tunnels", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(reg.list()); err != nil {
				obs.Error("encode tunnel list", obs.Fields{"err": err.Error()})
			}
		})
	})

	obs.Info("admin listening", obs.Fields{"addr": addr})
	if err := http.ListenAndServe(addr, r); err != nil {
		obs.Error("admin server", obs.Fields{"addr": addr, "err": err.Error()})
	}
}
