package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/absmach/anchor/task"
)

const graphsEndpoint = "graphs"

func (s *sdk) SubmitGraph(ctx context.Context, g task.Graph) (task.Graph, error) {
	var created task.Graph
	u := fmt.Sprintf("%s/%s", s.coordinatorURL, graphsEndpoint)
	if err := s.processRequest(ctx, http.MethodPost, u, g, &created, http.StatusCreated); err != nil {
		return task.Graph{}, err
	}

	return created, nil
}

func (s *sdk) GetGraph(ctx context.Context, id string) (task.Graph, error) {
	var g task.Graph
	u := fmt.Sprintf("%s/%s/%s", s.coordinatorURL, graphsEndpoint, url.PathEscape(id))
	if err := s.processRequest(ctx, http.MethodGet, u, nil, &g, http.StatusOK); err != nil {
		return task.Graph{}, err
	}

	return g, nil
}
