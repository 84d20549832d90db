package server

import (
	"errors"
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/pkg/api"
)

func getTask(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetTaskRequest)

		entry, err := rt.store.Get(r.Context(), req.TaskId)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := api.GetTaskResponse{
			TaskId:      entry.TaskID,
			Type:        entry.Type,
			Queue:       entry.Queue,
			State:       entry.State,
			Result:      entry.Result,
			Reason:      entry.Reason,
			Progress:    entry.Progress,
			RetryCount:  entry.RetryCount,
			NextRetryAt: entry.NextRetryAt,
			EnqueuedAt:  entry.EnqueuedAt,
			UpdatedAt:   entry.UpdatedAt,
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		With(httpin.NewInput(api.GetTaskRequest{})).
		Get("/api/v1/tasks/{taskId}", handler)
}
