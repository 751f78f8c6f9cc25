package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/absmach/anchor/manager"
	"github.com/absmach/anchor/task"
)

const tasksEndpoint = "tasks"

func (s *sdk) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	var created task.Task
	u := fmt.Sprintf("%s/%s", s.coordinatorURL, tasksEndpoint)
	if err := s.processRequest(ctx, http.MethodPost, u, t, &created, http.StatusCreated); err != nil {
		return task.Task{}, err
	}

	return created, nil
}

func (s *sdk) GetTask(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	u := fmt.Sprintf("%s/%s/%s", s.coordinatorURL, tasksEndpoint, url.PathEscape(id))
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &t, http.StatusOK); err != nil {
		return task.Task{}, err
	}

	return t, nil
}

func (s *sdk) ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error) {
	var page task.TaskPage
	if err := s.processRequest(ctx, http.MethodGet, s.pageURL(tasksEndpoint, offset, limit), nil, &page, http.StatusOK); err != nil {
		return task.TaskPage{}, err
	}

	return page, nil
}

func (s *sdk) StartTask(ctx context.Context, id string) error {
	u := fmt.Sprintf("%s/%s/%s/start", s.coordinatorURL, tasksEndpoint, url.PathEscape(id))

	return s.processRequest(ctx, http.MethodPost, u, nil, nil, http.StatusAccepted)
}

func (s *sdk) TaskHistory(ctx context.Context, id string) ([]manager.LedgerEntry, error) {
	var res struct {
		Entries []manager.LedgerEntry `json:"entries"`
	}
	u := fmt.Sprintf("%s/%s/%s/history", s.coordinatorURL, tasksEndpoint, url.PathEscape(id))
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &res, http.StatusOK); err != nil {
		return nil, err
	}

	return res.Entries, nil
}
