package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/absmach/anchor/task"
)

func TestHostRunner(t *testing.T) {
	cases := []struct {
		name       string
		job        Job
		wantStdout any
		wantExit   int
		wantErr    error
		anyErr     bool
	}{
		{
			name:       "json stdout",
			job:        Job{ID: "j1", Runtime: "sh", SourceCode: `echo '{"sum": 3}'`},
			wantStdout: map[string]any{"sum": float64(3)},
		},
		{
			name:       "default runtime",
			job:        Job{ID: "j2", SourceCode: "echo plain text"},
			wantStdout: "plain text",
		},
		{
			name: "range and env",
			job: Job{
				ID:         "j3",
				Runtime:    "sh",
				SourceCode: `echo "$ANCHOR_RANGE_START-$ANCHOR_RANGE_END-$GREETING"`,
				Range:      &task.Range{Start: 0, End: 10},
				Env:        map[string]string{"GREETING": "hi"},
			},
			wantStdout: "0-10-hi",
		},
		{
			name:       "payload command",
			job:        Job{ID: "j4", Payload: map[string]any{"command": "echo from command"}},
			wantStdout: "from command",
		},
		{
			name:       "non zero exit",
			job:        Job{ID: "j5", Runtime: "sh", SourceCode: "echo partial; exit 3"},
			wantStdout: "partial",
			wantExit:   3,
			anyErr:     true,
		},
		{
			name:    "unknown runtime",
			job:     Job{ID: "j6", Runtime: "cobol", SourceCode: "DISPLAY 'HI'."},
			wantErr: errUnknownRuntime,
		},
		{
			name:    "nothing to run",
			job:     Job{ID: "j7"},
			wantErr: errNothingToRun,
		},
		{
			name:    "timeout",
			job:     Job{ID: "j8", Runtime: "sh", SourceCode: "sleep 5", Timeout: 100 * time.Millisecond},
			wantErr: context.DeadlineExceeded,
		},
	}

	workDir := t.TempDir()
	runner := NewHostRunner(workDir, "sh", slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := runner.Run(context.Background(), tc.job)
			switch {
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}

				return
			case tc.anyErr:
				if err == nil {
					t.Fatal("expected an error")
				}
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}

			if out.ExitCode != tc.wantExit {
				t.Errorf("expected exit code %d, got %d", tc.wantExit, out.ExitCode)
			}
			switch want := tc.wantStdout.(type) {
			case map[string]any:
				got, ok := out.Stdout.(map[string]any)
				if !ok || got["sum"] != want["sum"] {
					t.Errorf("expected stdout %v, got %v", want, out.Stdout)
				}
			default:
				if out.Stdout != want {
					t.Errorf("expected stdout %v, got %v", want, out.Stdout)
				}
			}
		})
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("failed to read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected job directories to be removed, found %d", len(entries))
	}
}

func TestCPUUsage(t *testing.T) {
	cases := []struct {
		name  string
		busy  float64
		total float64
		want  float64
	}{
		{name: "half busy", busy: 5, total: 10, want: 50},
		{name: "no elapsed time", busy: 0, total: 0, want: 0},
		{name: "counter reset", busy: -4, total: 10, want: 0},
		{name: "over reported", busy: 12, total: 10, want: 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cpuUsage(tc.busy, tc.total); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
