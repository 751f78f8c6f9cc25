package api

import (
	"net/http"

	"github.com/absmach/anchor/manager"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

// response lets each endpoint choose its status code.
type response interface {
	Code() int
	Empty() bool
}

type taskRes struct {
	task.Task
	created bool
}

func (res taskRes) Code() int {
	if res.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

func (res taskRes) Empty() bool {
	return false
}

type taskPageRes struct {
	task.TaskPage
}

func (res taskPageRes) Code() int {
	return http.StatusOK
}

func (res taskPageRes) Empty() bool {
	return false
}

type startTaskRes struct{}

func (res startTaskRes) Code() int {
	return http.StatusAccepted
}

func (res startTaskRes) Empty() bool {
	return true
}

type historyRes struct {
	TaskID  string                `json:"task_id"`
	Entries []manager.LedgerEntry `json:"entries"`
}

func (res historyRes) Code() int {
	return http.StatusOK
}

func (res historyRes) Empty() bool {
	return false
}

type graphRes struct {
	task.Graph
	created bool
}

func (res graphRes) Code() int {
	if res.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

func (res graphRes) Empty() bool {
	return false
}

type workerRes struct {
	worker.Worker
}

func (res workerRes) Code() int {
	return http.StatusOK
}

func (res workerRes) Empty() bool {
	return false
}

type workerPageRes struct {
	worker.WorkerPage
}

func (res workerPageRes) Code() int {
	return http.StatusOK
}

func (res workerPageRes) Empty() bool {
	return false
}

type reputationRes struct {
	WorkerID   string  `json:"worker_id"`
	Reputation float64 `json:"reputation"`
}

func (res reputationRes) Code() int {
	return http.StatusOK
}

func (res reputationRes) Empty() bool {
	return false
}

type clusterRes struct {
	manager.ClusterStatus
}

func (res clusterRes) Code() int {
	return http.StatusOK
}

func (res clusterRes) Empty() bool {
	return false
}
