package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/absmach/anchor/manager"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

const (
	CTJSON = "application/json"

	defaultTimeout = 30 * time.Second
)

// ErrUnexpectedStatus is returned when the coordinator answers with a status
// code the call did not expect. The wrapping error carries the code and the
// server's message.
var ErrUnexpectedStatus = errors.New("unexpected response status")

type SDK interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error)
	StartTask(ctx context.Context, id string) error
	TaskHistory(ctx context.Context, id string) ([]manager.LedgerEntry, error)

	SubmitGraph(ctx context.Context, g task.Graph) (task.Graph, error)
	GetGraph(ctx context.Context, id string) (task.Graph, error)

	ListWorkers(ctx context.Context, offset, limit uint64) (worker.WorkerPage, error)
	GetWorker(ctx context.Context, id string) (worker.Worker, error)
	Reputation(ctx context.Context, id string) (float64, error)
	Slash(ctx context.Context, id, reason string) (float64, error)

	ClusterStatus(ctx context.Context) (manager.ClusterStatus, error)
}

type Config struct {
	CoordinatorURL  string
	TLSVerification bool
	Timeout         time.Duration
}

type sdk struct {
	coordinatorURL string
	client         *http.Client
}

func NewSDK(cfg Config) SDK {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &sdk{
		coordinatorURL: cfg.CoordinatorURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			},
		},
	}
}

type errorRes struct {
	Error string `json:"error"`
}

func (s *sdk) processRequest(ctx context.Context, method, reqURL string, body any, out any, expectedRespCodes ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", CTJSON)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if !slices.Contains(expectedRespCodes, resp.StatusCode) {
		var e errorRes
		if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}

		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, e.Error)
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, out)
}

func (s *sdk) pageURL(path string, offset, limit uint64) string {
	q := url.Values{}
	q.Set("offset", strconv.FormatUint(offset, 10))
	q.Set("limit", strconv.FormatUint(limit, 10))

	return fmt.Sprintf("%s/%s?%s", s.coordinatorURL, path, q.Encode())
}
