package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vaultik/backend/internal/handlers"
	"github.com/vaultik/backend/internal/system"
)

// APIServer hosts the REST surface over the control plane. Every route
// delegates 1:1 to a System entry point.
type APIServer struct {
	sys  *system.System
	http *http.Server
}

func NewAPIServer(sys *system.System) *APIServer {
	return &APIServer{sys: sys}
}

// Router builds the mux router with all scalability endpoints.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/scalability/initialize", handlers.Initialize(s.sys)).Methods("POST")
	r.HandleFunc("/scalability/status", handlers.Status(s.sys)).Methods("GET")
	r.HandleFunc("/scalability/metrics", handlers.Metrics(s.sys)).Methods("GET")
	r.HandleFunc("/scalability/agents/pool", handlers.PoolState(s.sys)).Methods("GET")
	r.HandleFunc("/scalability/consensus", handlers.Consensus(s.sys)).Methods("POST")
	r.HandleFunc("/scalability/scaling/manual", handlers.ManualScale(s.sys)).Methods("POST")
	r.HandleFunc("/scalability/scaling/history", handlers.ScalingHistory(s.sys)).Methods("GET")
	r.HandleFunc("/scalability/shutdown", handlers.Shutdown(s.sys)).Methods("POST")
	r.HandleFunc("/scalability/events", handlers.EventStream(s.sys.Bus())).Methods("GET")

	if sink := s.sys.PromSink(); sink != nil {
		r.Handle("/metrics", sink.Handler()).Methods("GET")
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods("GET")

	return r
}

// Start serves the REST surface until the listener fails or Stop is
// called.
func (s *APIServer) Start(port string) error {
	s.http = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	slog.Info("api server listening", "port", port)
	return s.http.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
