package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/itzg/mc-srv-proxy/discovery"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type candidatesResponse struct {
	Candidates []discovery.SrvRecord `json:"candidates"`
}

// NewApiRouter builds the API routes. The metrics backend determines which, if any,
// metrics exposition endpoint is registered.
func NewApiRouter(backends BackendResolver, metricsBackend string) *mux.Router {
	apiRoutes := mux.NewRouter()

	apiRoutes.Path("/healthz").Methods(http.MethodGet).
		HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	apiRoutes.Path("/candidates").Methods(http.MethodGet).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidates, err := backends.Candidates(r.Context())
			if err != nil {
				logrus.WithError(err).Debug("Unable to resolve candidates for API request")
				status := http.StatusBadGateway
				if errors.Is(err, discovery.ErrNoRecords) {
					status = http.StatusNotFound
				}
				http.Error(w, err.Error(), status)
				return
			}

			resp := candidatesResponse{Candidates: candidates.Drain()}

			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				logrus.WithError(err).Error("Failed to encode candidates")
			}
		})

	switch strings.ToLower(metricsBackend) {
	case MetricsBackendPrometheus:
		apiRoutes.Path("/metrics").Handler(promhttp.Handler())
	case MetricsBackendExpvar:
		apiRoutes.Path("/debug/vars").Handler(expvar.Handler())
	}

	return apiRoutes
}

// StartApiServer serves the given routes until ctx is done
func StartApiServer(ctx context.Context, apiBinding string, apiRoutes http.Handler) {
	logrus.WithField("binding", apiBinding).Info("Serving API requests")

	server := &http.Server{
		Addr:    apiBinding,
		Handler: apiRoutes,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("API server failed")
		}
	}()
}
