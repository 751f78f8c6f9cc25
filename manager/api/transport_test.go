package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/absmach/anchor/manager"
	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/raft"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

type mockService struct {
	manager.Service

	tasks      map[string]task.Task
	lastReport orchestration.Report
	lastSlash  string
	statusErr  error
	writeErr   error
}

func newMockService() *mockService {
	return &mockService{tasks: make(map[string]task.Task)}
}

func (m *mockService) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	if m.writeErr != nil {
		return task.Task{}, m.writeErr
	}
	t.ID = fmt.Sprintf("task-%d", len(m.tasks)+1)
	t.State = task.Pending
	m.tasks[t.ID] = t

	return t, nil
}

func (m *mockService) GetTask(_ context.Context, id string) (task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, pkgerrors.ErrNotFound
	}

	return t, nil
}

func (m *mockService) ListTasks(_ context.Context, offset, limit uint64) (task.TaskPage, error) {
	page := task.TaskPage{Offset: offset, Limit: limit, Total: uint64(len(m.tasks))}
	for _, t := range m.tasks {
		page.Tasks = append(page.Tasks, t)
	}

	return page, nil
}

func (m *mockService) StartTask(_ context.Context, id string) error {
	if _, ok := m.tasks[id]; !ok {
		return pkgerrors.ErrNotFound
	}

	return m.writeErr
}

func (m *mockService) TaskHistory(_ context.Context, id string) ([]manager.LedgerEntry, error) {
	if _, ok := m.tasks[id]; !ok {
		return nil, pkgerrors.ErrNotFound
	}

	return nil, nil
}

func (m *mockService) UpdateStatus(_ context.Context, r orchestration.Report) (task.Task, error) {
	m.lastReport = r
	if m.statusErr != nil {
		return task.Task{}, m.statusErr
	}

	return m.tasks[r.TaskID], nil
}

func (m *mockService) Slash(_ context.Context, id, reason string) (float64, error) {
	m.lastSlash = reason

	return 50, nil
}

func (m *mockService) ClusterStatus(context.Context) (manager.ClusterStatus, error) {
	return manager.ClusterStatus{
		Mode:    "standalone",
		Leader:  true,
		Workers: map[worker.Status]int{worker.Online: 2},
	}, nil
}

func newServer(t *testing.T, svc manager.Service) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(MakeHandler(svc, logger, "test"))
	t.Cleanup(ts.Close)

	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, ctype, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}

	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })

	return res
}

func TestTaskRoutes(t *testing.T) {
	svc := newMockService()
	svc.tasks["t1"] = task.Task{ID: "t1", Name: "existing", State: task.Processing}
	ts := newServer(t, svc)

	cases := []struct {
		name   string
		method string
		path   string
		ctype  string
		body   string
		status int
	}{
		{
			name:   "create task",
			method: http.MethodPost,
			path:   "/tasks",
			ctype:  contentType,
			body:   `{"name":"hello","payload":{"x":1}}`,
			status: http.StatusCreated,
		},
		{
			name:   "create task without name",
			method: http.MethodPost,
			path:   "/tasks",
			ctype:  contentType,
			body:   `{"payload":{"x":1}}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "create task with malformed body",
			method: http.MethodPost,
			path:   "/tasks",
			ctype:  contentType,
			body:   `{"name":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "create task with wrong content type",
			method: http.MethodPost,
			path:   "/tasks",
			ctype:  "text/plain",
			body:   `{"name":"hello"}`,
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "get task",
			method: http.MethodGet,
			path:   "/tasks/t1",
			status: http.StatusOK,
		},
		{
			name:   "get missing task",
			method: http.MethodGet,
			path:   "/tasks/nope",
			status: http.StatusNotFound,
		},
		{
			name:   "list tasks",
			method: http.MethodGet,
			path:   "/tasks?offset=0&limit=5",
			status: http.StatusOK,
		},
		{
			name:   "list tasks over limit",
			method: http.MethodGet,
			path:   "/tasks?limit=500",
			status: http.StatusBadRequest,
		},
		{
			name:   "list tasks with invalid offset",
			method: http.MethodGet,
			path:   "/tasks?offset=abc",
			status: http.StatusBadRequest,
		},
		{
			name:   "start task",
			method: http.MethodPost,
			path:   "/tasks/t1/start",
			status: http.StatusAccepted,
		},
		{
			name:   "task history",
			method: http.MethodGet,
			path:   "/tasks/t1/history",
			status: http.StatusOK,
		},
		{
			name:   "status without state",
			method: http.MethodPost,
			path:   "/tasks/t1/status",
			ctype:  contentType,
			body:   `{"worker_id":"w1"}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := doRequest(t, ts, tc.method, tc.path, tc.ctype, tc.body)
			if res.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, res.StatusCode)
			}
		})
	}
}

func TestCreateTaskResponse(t *testing.T) {
	svc := newMockService()
	ts := newServer(t, svc)

	res := doRequest(t, ts, http.MethodPost, "/tasks", contentType, `{"name":"hello"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, res.StatusCode)
	}

	var got task.Task
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "task-1" || got.Name != "hello" || got.State != task.Pending {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestStartTaskEmptyBody(t *testing.T) {
	svc := newMockService()
	svc.tasks["t1"] = task.Task{ID: "t1", Name: "queued"}
	ts := newServer(t, svc)

	res := doRequest(t, ts, http.MethodPost, "/tasks/t1/start", "", "")
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}
}

func TestTaskHistoryEmpty(t *testing.T) {
	svc := newMockService()
	svc.tasks["t1"] = task.Task{ID: "t1"}
	ts := newServer(t, svc)

	res := doRequest(t, ts, http.MethodGet, "/tasks/t1/history", "", "")

	var got struct {
		TaskID  string                `json:"task_id"`
		Entries []manager.LedgerEntry `json:"entries"`
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.TaskID != "t1" {
		t.Errorf("expected task id t1, got %q", got.TaskID)
	}
	if got.Entries == nil {
		t.Error("expected an empty entries array, got null")
	}
}

func TestUpdateStatusUsesPathID(t *testing.T) {
	svc := newMockService()
	svc.tasks["t1"] = task.Task{ID: "t1"}
	ts := newServer(t, svc)

	res := doRequest(t, ts, http.MethodPost, "/tasks/t1/status", contentType,
		`{"task_id":"other","worker_id":"w1","status":"completed","result":42}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if svc.lastReport.TaskID != "t1" {
		t.Errorf("expected report for t1, got %q", svc.lastReport.TaskID)
	}
	if svc.lastReport.WorkerID != "w1" || svc.lastReport.Status != "completed" {
		t.Errorf("unexpected report %+v", svc.lastReport)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "unexpected worker",
			err:    manager.ErrUnexpectedWorker,
			status: http.StatusForbidden,
		},
		{
			name:   "unknown subtask",
			err:    fmt.Errorf("%w: s9", manager.ErrUnknownSubTask),
			status: http.StatusNotFound,
		},
		{
			name:   "invalid transition",
			err:    orchestration.ErrInvalidStateTransition,
			status: http.StatusConflict,
		},
		{
			name:   "not leader",
			err:    fmt.Errorf("%w: current leader is %q", raft.ErrNotLeader, "n2"),
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "internal",
			err:    io.ErrUnexpectedEOF,
			status: http.StatusInternalServerError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newMockService()
			svc.statusErr = tc.err
			ts := newServer(t, svc)

			res := doRequest(t, ts, http.MethodPost, "/tasks/t1/status", contentType,
				`{"worker_id":"w1","status":"completed"}`)
			if res.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, res.StatusCode)
			}

			var body errorRes
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Error != tc.err.Error() {
				t.Errorf("expected error %q, got %q", tc.err.Error(), body.Error)
			}
		})
	}
}

func TestSlashRoute(t *testing.T) {
	svc := newMockService()
	ts := newServer(t, svc)

	res := doRequest(t, ts, http.MethodPost, "/workers/w1/slash", contentType, `{}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d without reason, got %d", http.StatusBadRequest, res.StatusCode)
	}

	res = doRequest(t, ts, http.MethodPost, "/workers/w1/slash", contentType, `{"reason":"tampered result"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}

	var got reputationRes
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.WorkerID != "w1" || got.Reputation != 50 {
		t.Errorf("unexpected reputation response %+v", got)
	}
	if svc.lastSlash != "tampered result" {
		t.Errorf("expected slash reason to reach the service, got %q", svc.lastSlash)
	}
}

func TestClusterRoute(t *testing.T) {
	ts := newServer(t, newMockService())

	res := doRequest(t, ts, http.MethodGet, "/cluster", "", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}

	var got manager.ClusterStatus
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Mode != "standalone" || !got.Leader {
		t.Errorf("unexpected cluster status %+v", got)
	}
	if got.Workers[worker.Online] != 2 {
		t.Errorf("expected 2 online workers, got %d", got.Workers[worker.Online])
	}
}
