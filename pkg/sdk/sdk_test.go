package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

type recorded struct {
	method string
	path   string
	query  string
	ctype  string
	body   map[string]any
}

func newServer(t *testing.T, status int, response any) (SDK, *recorded) {
	t.Helper()

	rec := &recorded{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.ctype = r.Header.Get("Content-Type")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}

		w.Header().Set("Content-Type", CTJSON)
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(ts.Close)

	return NewSDK(Config{CoordinatorURL: ts.URL}), rec
}

func TestCreateTask(t *testing.T) {
	s, rec := newServer(t, http.StatusCreated, task.Task{ID: "t1", Name: "hello", State: task.Pending})

	got, err := s.CreateTask(context.Background(), task.Task{Name: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "t1" || got.State != task.Pending {
		t.Errorf("unexpected task %+v", got)
	}
	if rec.method != http.MethodPost || rec.path != "/tasks" || rec.ctype != CTJSON {
		t.Errorf("unexpected request %+v", rec)
	}
	if rec.body["name"] != "hello" {
		t.Errorf("expected name in body, got %v", rec.body)
	}
}

func TestListTasksQuery(t *testing.T) {
	s, rec := newServer(t, http.StatusOK, task.TaskPage{Offset: 5, Limit: 20, Total: 1, Tasks: []task.Task{{ID: "t1"}}})

	page, err := s.ListTasks(context.Background(), 5, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 1 || len(page.Tasks) != 1 {
		t.Errorf("unexpected page %+v", page)
	}
	if rec.path != "/tasks" || rec.query != "limit=20&offset=5" {
		t.Errorf("unexpected request %s?%s", rec.path, rec.query)
	}
}

func TestStartTaskNoContent(t *testing.T) {
	s, rec := newServer(t, http.StatusAccepted, nil)

	if err := s.StartTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.path != "/tasks/t1/start" || rec.method != http.MethodPost {
		t.Errorf("unexpected request %+v", rec)
	}
}

func TestSlash(t *testing.T) {
	s, rec := newServer(t, http.StatusOK, map[string]any{"worker_id": "w1", "reputation": 50})

	rep, err := s.Slash(context.Background(), "w1", "forged proof")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep != 50 {
		t.Errorf("expected reputation 50, got %v", rep)
	}
	if rec.path != "/workers/w1/slash" || rec.body["reason"] != "forged proof" {
		t.Errorf("unexpected request %+v", rec)
	}
}

func TestClusterStatus(t *testing.T) {
	s, _ := newServer(t, http.StatusOK, map[string]any{
		"mode":    "raft",
		"leader":  true,
		"raft":    map[string]any{"id": "n1", "role": "leader", "term": 3},
		"workers": map[string]int{"Online": 2},
	})

	status, err := s.ClusterStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Raft == nil || status.Raft.Term != 3 {
		t.Errorf("unexpected raft status %+v", status.Raft)
	}
	if status.Workers[worker.Online] != 2 {
		t.Errorf("expected 2 online workers, got %v", status.Workers)
	}
}

func TestUnexpectedStatus(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		response any
		wantMsg  string
	}{
		{
			name:     "server message",
			status:   http.StatusServiceUnavailable,
			response: map[string]string{"error": "not the leader: current leader is \"n2\""},
			wantMsg:  "current leader is",
		},
		{
			name:    "no body",
			status:  http.StatusNotFound,
			wantMsg: http.StatusText(http.StatusNotFound),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newServer(t, tc.status, tc.response)

			_, err := s.GetTask(context.Background(), "t1")
			if !errors.Is(err, ErrUnexpectedStatus) {
				t.Fatalf("expected %v, got %v", ErrUnexpectedStatus, err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("expected %q in %q", tc.wantMsg, err.Error())
			}
		})
	}
}
