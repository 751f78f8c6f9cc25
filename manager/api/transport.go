package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/absmach/anchor/manager"
	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/raft"
	"github.com/absmach/supermq"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	contentType = "application/json"
	idKey       = "id"
	offsetKey   = "offset"
	limitKey    = "limit"
)

var errUnsupportedContentType = errors.New("unsupported content type")

// MakeHandler returns the coordinator HTTP API.
func MakeHandler(svc manager.Service, logger *slog.Logger, instanceID string) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
		kithttp.ServerErrorHandler(errorHandler{logger: logger}),
	}

	mux := chi.NewRouter()

	mux.Route("/tasks", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			createTaskEndpoint(svc),
			decodeTaskReq,
			encodeResponse,
			opts...,
		), "create_task").ServeHTTP)
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listTasksEndpoint(svc),
			decodeListReq,
			encodeResponse,
			opts...,
		), "list_tasks").ServeHTTP)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getTaskEndpoint(svc),
				decodeEntityReq,
				encodeResponse,
				opts...,
			), "get_task").ServeHTTP)
			r.Post("/start", otelhttp.NewHandler(kithttp.NewServer(
				startTaskEndpoint(svc),
				decodeEntityReq,
				encodeResponse,
				opts...,
			), "start_task").ServeHTTP)
			r.Post("/status", otelhttp.NewHandler(kithttp.NewServer(
				updateStatusEndpoint(svc),
				decodeStatusReq,
				encodeResponse,
				opts...,
			), "update_task_status").ServeHTTP)
			r.Get("/history", otelhttp.NewHandler(kithttp.NewServer(
				taskHistoryEndpoint(svc),
				decodeEntityReq,
				encodeResponse,
				opts...,
			), "task_history").ServeHTTP)
		})
	})

	mux.Route("/graphs", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			submitGraphEndpoint(svc),
			decodeGraphReq,
			encodeResponse,
			opts...,
		), "submit_graph").ServeHTTP)
		r.Get("/{id}", otelhttp.NewHandler(kithttp.NewServer(
			getGraphEndpoint(svc),
			decodeEntityReq,
			encodeResponse,
			opts...,
		), "get_graph").ServeHTTP)
	})

	mux.Route("/workers", func(r chi.Router) {
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listWorkersEndpoint(svc),
			decodeListReq,
			encodeResponse,
			opts...,
		), "list_workers").ServeHTTP)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getWorkerEndpoint(svc),
				decodeEntityReq,
				encodeResponse,
				opts...,
			), "get_worker").ServeHTTP)
			r.Get("/reputation", otelhttp.NewHandler(kithttp.NewServer(
				reputationEndpoint(svc),
				decodeEntityReq,
				encodeResponse,
				opts...,
			), "worker_reputation").ServeHTTP)
			r.Post("/slash", otelhttp.NewHandler(kithttp.NewServer(
				slashEndpoint(svc),
				decodeSlashReq,
				encodeResponse,
				opts...,
			), "slash_worker").ServeHTTP)
		})
	})

	mux.Get("/cluster", otelhttp.NewHandler(kithttp.NewServer(
		clusterStatusEndpoint(svc),
		kithttp.NopRequestDecoder,
		encodeResponse,
		opts...,
	), "cluster_status").ServeHTTP)

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeTaskReq(_ context.Context, r *http.Request) (any, error) {
	if err := checkContentType(r); err != nil {
		return nil, err
	}

	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req.task); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return req, nil
}

func decodeEntityReq(_ context.Context, r *http.Request) (any, error) {
	return entityReq{id: chi.URLParam(r, idKey)}, nil
}

func decodeListReq(_ context.Context, r *http.Request) (any, error) {
	offset, err := readUintQuery(r, offsetKey, defOffset)
	if err != nil {
		return nil, err
	}
	limit, err := readUintQuery(r, limitKey, defLimit)
	if err != nil {
		return nil, err
	}

	return listEntityReq{offset: offset, limit: limit}, nil
}

func decodeStatusReq(_ context.Context, r *http.Request) (any, error) {
	if err := checkContentType(r); err != nil {
		return nil, err
	}

	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req.report); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}
	req.report.TaskID = chi.URLParam(r, idKey)

	return req, nil
}

func decodeGraphReq(_ context.Context, r *http.Request) (any, error) {
	if err := checkContentType(r); err != nil {
		return nil, err
	}

	var req graphReq
	if err := json.NewDecoder(r.Body).Decode(&req.graph); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return req, nil
}

func decodeSlashReq(_ context.Context, r *http.Request) (any, error) {
	if err := checkContentType(r); err != nil {
		return nil, err
	}

	req := slashReq{id: chi.URLParam(r, idKey)}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return req, nil
}

func checkContentType(r *http.Request) error {
	if !strings.Contains(r.Header.Get("Content-Type"), contentType) {
		return errUnsupportedContentType
	}

	return nil
}

func readUintQuery(r *http.Request, key string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, pkgerrors.ErrValidation)
	}

	return n, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, resp any) error {
	w.Header().Set("Content-Type", contentType)

	if res, ok := resp.(response); ok {
		w.WriteHeader(res.Code())
		if res.Empty() {
			return nil
		}
	}

	return json.NewEncoder(w).Encode(resp)
}

type errorRes struct {
	Error string `json:"error"`
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode(err))

	_ = json.NewEncoder(w).Encode(errorRes{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pkgerrors.ErrNotFound),
		errors.Is(err, manager.ErrUnknownSubTask):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrValidation),
		errors.Is(err, pkgerrors.ErrInvalidData),
		errors.Is(err, pkgerrors.ErrEmptyKey),
		errors.Is(err, orchestration.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrUnexpectedWorker):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrEntityExists),
		errors.Is(err, orchestration.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, raft.ErrNotLeader):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorHandler struct {
	logger *slog.Logger
}

func (h errorHandler) Handle(ctx context.Context, err error) {
	if statusCode(err) < http.StatusInternalServerError {
		return
	}
	h.logger.ErrorContext(ctx, "request failed", "error", err)
}
