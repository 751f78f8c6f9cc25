package api

import (
	"context"

	"github.com/absmach/anchor/manager"
	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/go-kit/kit/endpoint"
)

func createTaskEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(taskReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		t, err := svc.CreateTask(ctx, req.task)
		if err != nil {
			return nil, err
		}

		return taskRes{Task: t, created: true}, nil
	}
}

func getTaskEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		t, err := svc.GetTask(ctx, req.id)
		if err != nil {
			return nil, err
		}

		return taskRes{Task: t}, nil
	}
}

func listTasksEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		page, err := svc.ListTasks(ctx, req.offset, req.limit)
		if err != nil {
			return nil, err
		}

		return taskPageRes{TaskPage: page}, nil
	}
}

func startTaskEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		if err := svc.StartTask(ctx, req.id); err != nil {
			return nil, err
		}

		return startTaskRes{}, nil
	}
}

func updateStatusEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(statusReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		t, err := svc.UpdateStatus(ctx, req.report)
		if err != nil {
			return nil, err
		}

		return taskRes{Task: t}, nil
	}
}

func taskHistoryEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		entries, err := svc.TaskHistory(ctx, req.id)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []manager.LedgerEntry{}
		}

		return historyRes{TaskID: req.id, Entries: entries}, nil
	}
}

func submitGraphEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(graphReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		g, err := svc.SubmitGraph(ctx, req.graph)
		if err != nil {
			return nil, err
		}

		return graphRes{Graph: g, created: true}, nil
	}
}

func getGraphEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		g, err := svc.GetGraph(ctx, req.id)
		if err != nil {
			return nil, err
		}

		return graphRes{Graph: g}, nil
	}
}

func listWorkersEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		page, err := svc.ListWorkers(ctx, req.offset, req.limit)
		if err != nil {
			return nil, err
		}

		return workerPageRes{WorkerPage: page}, nil
	}
}

func getWorkerEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		w, err := svc.GetWorker(ctx, req.id)
		if err != nil {
			return nil, err
		}

		return workerRes{Worker: w}, nil
	}
}

func reputationEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		rep, err := svc.Reputation(ctx, req.id)
		if err != nil {
			return nil, err
		}

		return reputationRes{WorkerID: req.id, Reputation: rep}, nil
	}
}

func slashEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(slashReq)
		if !ok {
			return nil, pkgerrors.ErrInvalidData
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		rep, err := svc.Slash(ctx, req.id, req.Reason)
		if err != nil {
			return nil, err
		}

		return reputationRes{WorkerID: req.id, Reputation: rep}, nil
	}
}

func clusterStatusEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		status, err := svc.ClusterStatus(ctx)
		if err != nil {
			return nil, err
		}

		return clusterRes{ClusterStatus: status}, nil
	}
}
