package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drayq/drayq/pkg/api"
)

func health(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		resp := api.HealthResponse{
			Status: "ok",
			Queues: rt.queues,
		}

		if err := rt.tr.Ping(r.Context()); err != nil {
			rt.logger.
				With("err", err).
				Error("health check failed to reach broker")

			resp.Status = "unavailable"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		Get("/healthz", handler)
}
