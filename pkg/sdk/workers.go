package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/absmach/anchor/manager"
	"github.com/absmach/anchor/worker"
)

const workersEndpoint = "workers"

type reputationRes struct {
	WorkerID   string  `json:"worker_id"`
	Reputation float64 `json:"reputation"`
}

func (s *sdk) ListWorkers(ctx context.Context, offset, limit uint64) (worker.WorkerPage, error) {
	var page worker.WorkerPage
	if err := s.processRequest(ctx, http.MethodGet, s.pageURL(workersEndpoint, offset, limit), nil, &page, http.StatusOK); err != nil {
		return worker.WorkerPage{}, err
	}

	return page, nil
}

func (s *sdk) GetWorker(ctx context.Context, id string) (worker.Worker, error) {
	var w worker.Worker
	u := fmt.Sprintf("%s/%s/%s", s.coordinatorURL, workersEndpoint, url.PathEscape(id))
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &w, http.StatusOK); err != nil {
		return worker.Worker{}, err
	}

	return w, nil
}

func (s *sdk) Reputation(ctx context.Context, id string) (float64, error) {
	var res reputationRes
	u := fmt.Sprintf("%s/%s/%s/reputation", s.coordinatorURL, workersEndpoint, url.PathEscape(id))
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &res, http.StatusOK); err != nil {
		return 0, err
	}

	return res.Reputation, nil
}

func (s *sdk) Slash(ctx context.Context, id, reason string) (float64, error) {
	var res reputationRes
	u := fmt.Sprintf("%s/%s/%s/slash", s.coordinatorURL, workersEndpoint, url.PathEscape(id))
	body := map[string]string{"reason": reason}
	if err := s.processRequest(ctx, http.MethodPost, u, body, &res, http.StatusOK); err != nil {
		return 0, err
	}

	return res.Reputation, nil
}

func (s *sdk) ClusterStatus(ctx context.Context) (manager.ClusterStatus, error) {
	var status manager.ClusterStatus
	u := fmt.Sprintf("%s/cluster", s.coordinatorURL)
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &status, http.StatusOK); err != nil {
		return manager.ClusterStatus{}, err
	}

	return status, nil
}
