package api

import (
	"fmt"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/task"
)

const (
	defOffset = 0
	defLimit  = 10
	maxLimit  = 100
)

type taskReq struct {
	task task.Task
}

func (r taskReq) validate() error {
	if r.task.Name == "" {
		return fmt.Errorf("create task: name is required: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type entityReq struct {
	id string
}

func (r entityReq) validate() error {
	if r.id == "" {
		return fmt.Errorf("id is required: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type listEntityReq struct {
	offset uint64
	limit  uint64
}

func (r listEntityReq) validate() error {
	if r.limit > maxLimit {
		return fmt.Errorf("limit must not exceed %d: %w", maxLimit, pkgerrors.ErrValidation)
	}

	return nil
}

type statusReq struct {
	report orchestration.Report
}

func (r statusReq) validate() error {
	if r.report.TaskID == "" {
		return fmt.Errorf("status update: task id is required: %w", pkgerrors.ErrValidation)
	}
	if r.report.Status == "" {
		return fmt.Errorf("status update: status is required: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type graphReq struct {
	graph task.Graph
}

func (r graphReq) validate() error {
	if len(r.graph.Nodes) == 0 {
		return fmt.Errorf("submit graph: %w: %w", task.ErrEmptyGraph, pkgerrors.ErrValidation)
	}

	return nil
}

type slashReq struct {
	id     string
	Reason string `json:"reason"`
}

func (r slashReq) validate() error {
	if r.id == "" {
		return fmt.Errorf("slash: worker id is required: %w", pkgerrors.ErrValidation)
	}
	if r.Reason == "" {
		return fmt.Errorf("slash: reason is required: %w", pkgerrors.ErrValidation)
	}

	return nil
}
