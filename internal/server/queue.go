package server

import (
	"context"
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"

	"github.com/drayq/drayq/internal/envelope"
	"github.com/drayq/drayq/internal/utils"
	"github.com/drayq/drayq/pkg/api"
)

func listQueues(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		infos := make([]api.QueueInfo, 0, len(rt.queues))
		for _, name := range rt.queues {
			info, err := queueInfo(r.Context(), rt, name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			infos = append(infos, *info)
		}

		resp := api.ListQueuesResponse{
			Queues: infos,
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		Get("/api/v1/queues", handler)
}

func getQueue(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetQueueRequest)

		info, err := queueInfo(r.Context(), rt, req.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := api.GetQueueResponse(*info)

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		With(httpin.NewInput(api.GetQueueRequest{})).
		Get("/api/v1/queues/{queueName}", handler)
}

func listDeadLetters(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ListDeadLettersRequest)

		skip, limit := utils.ToSkipAndLimit(req.Page, req.Size)

		bodies, err := rt.tr.Peek(r.Context(), rt.dlq(req.Queue), int(skip), int(limit))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := api.ListDeadLettersResponse{
			DeadLetters: make([]api.DeadLetterInfo, 0, len(bodies)),
		}

		for _, body := range bodies {
			dl, err := envelope.DecodeDeadLetter(body)
			if err != nil {
				// Not a dead-letter record; surface the payload as-is.
				resp.DeadLetters = append(resp.DeadLetters, api.DeadLetterInfo{
					Queue: req.Queue,
					Raw:   body,
				})
				continue
			}

			info := api.DeadLetterInfo{
				Queue:    dl.Queue,
				Reason:   dl.Reason,
				FailedAt: dl.FailedAt,
				Raw:      dl.Raw,
			}
			if dl.Envelope != nil {
				info.TaskId = dl.Envelope.ID
				info.Type = dl.Envelope.Type
				info.RetryCount = dl.Envelope.RetryCount
			}

			resp.DeadLetters = append(resp.DeadLetters, info)
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		With(httpin.NewInput(api.ListDeadLettersRequest{})).
		Get("/api/v1/queues/{queueName}/deadletter", handler)
}

func queueInfo(ctx context.Context, rt *runtime, name string) (*api.QueueInfo, error) {
	stats, err := rt.tr.Stats(ctx, name)
	if err != nil {
		return nil, err
	}

	dlqName := rt.dlq(name)

	dlStats, err := rt.tr.Stats(ctx, dlqName)
	if err != nil {
		return nil, err
	}

	return &api.QueueInfo{
		Name:            name,
		Pending:         stats.Pending,
		Scheduled:       stats.Scheduled,
		InFlight:        stats.InFlight,
		DeadLetterQueue: dlqName,
		DeadLetters:     dlStats.Pending,
	}, nil
}
