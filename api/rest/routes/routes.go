package routes

import (
	"log/slog"
	"net/http"

	"quicksim/api/rest/handlers"
	"quicksim/api/rest/middleware"
	"quicksim/core/monitoring"

	"github.com/gorilla/mux"
)

// Deps are the collaborators the routes are served by
type Deps struct {
	Simulations *handlers.SimulationHandler
	Jobs        *handlers.JobHandler
	Metrics     *monitoring.MetricsExporter
	Logger      *slog.Logger
	StaticDir   string
}

// SetupRoutes configures all routes
func SetupRoutes(r *mux.Router, deps Deps) {
	r.Use(middleware.Chain(deps.Logger)...)

	// Simulation endpoints
	r.HandleFunc("/run_simulation", deps.Simulations.SubmitSimulation).Methods("POST")
	r.HandleFunc("/quicksim/{id}", deps.Simulations.StatusPage).Methods("GET")
	r.HandleFunc("/quicksim/{id}/result", deps.Simulations.PollResult).Methods("GET")

	// Job inspection
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", deps.Jobs.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", deps.Jobs.GetJob).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")

	if deps.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(deps.StaticDir)))
	}
}
