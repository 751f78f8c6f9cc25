package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/absmach/anchor/task"
	"github.com/spf13/cobra"
)

// taskSpec is the file form of a task submission.
type taskSpec struct {
	Name         string            `yaml:"name"`
	Kind         task.Kind         `yaml:"kind"`
	Requirements task.Requirements `yaml:"requirements"`
	Script       *task.Script      `yaml:"script"`
	Payload      map[string]any    `yaml:"payload"`
	TotalRange   int64             `yaml:"total_range"`
	Labels       map[string]string `yaml:"labels"`
}

func (s taskSpec) task() task.Task {
	return task.Task{
		Name:         s.Name,
		Kind:         s.Kind,
		Requirements: s.Requirements,
		Script:       s.Script,
		Payload:      s.Payload,
		TotalRange:   s.TotalRange,
		Labels:       s.Labels,
	}
}

var tasksCmd = []cobra.Command{
	{
		Use:   "create [name]",
		Short: "Submit a task",
		Long: "Submit a task by name and flags, or from a YAML or JSON file with -f.\n" +
			"Examples:\n" +
			"  anchor-cli tasks create render --script render.js --runtime node --redundancy 3\n" +
			"  anchor-cli tasks create sum --range 1000 --parallelism 4 --payload '{\"command\":\"./sum.sh\"}'\n" +
			"  anchor-cli tasks create -f task.yaml",
		Run: func(cmd *cobra.Command, args []string) {
			t, err := taskFromFlags(cmd, args)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			t, err = asdk.CreateTask(cmd.Context(), t)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, t)
		},
	},
	{
		Use:   "get <task_id>",
		Short: "Get a task",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			t, err := asdk.GetTask(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, t)
		},
	},
	{
		Use:   "list",
		Short: "List tasks",
		Run: func(cmd *cobra.Command, args []string) {
			page, err := asdk.ListTasks(cmd.Context(), Offset, Limit)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			if s, _ := cmd.Flags().GetString("state"); s != "" {
				state, err := task.ParseState(s)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				// Filters the fetched page only; total still counts every task.
				page.Tasks = task.FilterByState(page.Tasks, state)
			}

			logJSONCmd(*cmd, page)
		},
	},
	{
		Use:   "start <task_id>",
		Short: "Queue a pending task for another scheduling pass",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			if err := asdk.StartTask(cmd.Context(), args[0]); err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logOKCmd(*cmd)
		},
	},
	{
		Use:   "history <task_id>",
		Short: "Show the committed scheduling decisions for a task",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			entries, err := asdk.TaskHistory(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, entries)
		},
	},
}

func taskFromFlags(cmd *cobra.Command, args []string) (task.Task, error) {
	flags := cmd.Flags()

	var spec taskSpec
	if file, _ := flags.GetString("file"); file != "" {
		if err := readFile(file, &spec); err != nil {
			return task.Task{}, err
		}
	}
	if len(args) > 0 {
		spec.Name = args[0]
	}
	if spec.Name == "" {
		return task.Task{}, fmt.Errorf("a task name is required")
	}

	if flags.Changed("redundancy") {
		spec.Requirements.Redundancy, _ = flags.GetInt("redundancy")
	}
	if flags.Changed("parallelism") {
		spec.Requirements.Parallelism, _ = flags.GetInt("parallelism")
	}
	if flags.Changed("range") {
		spec.TotalRange, _ = flags.GetInt64("range")
	}
	if flags.Changed("region") {
		spec.Requirements.Region, _ = flags.GetString("region")
	}
	if flags.Changed("gpu") {
		spec.Requirements.GPU, _ = flags.GetBool("gpu")
	}
	if flags.Changed("min-memory") {
		spec.Requirements.MinMemoryGB, _ = flags.GetFloat64("min-memory")
	}

	if path, _ := flags.GetString("script"); path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return task.Task{}, err
		}
		if spec.Script == nil {
			spec.Script = &task.Script{}
		}
		spec.Script.SourceCode = string(src)
	}
	if spec.Script != nil {
		if runtime, _ := flags.GetString("runtime"); runtime != "" {
			spec.Script.Runtime = runtime
		}
		if deps, _ := flags.GetStringSlice("deps"); len(deps) > 0 {
			spec.Script.Dependencies = deps
		}
	}

	if raw, _ := flags.GetString("payload"); raw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return task.Task{}, fmt.Errorf("invalid payload: %w", err)
		}
		spec.Payload = payload
	}

	return spec.task(), nil
}

func NewTasksCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "tasks [create|get|list|start|history]",
		Short: "Tasks management",
		Long:  `Create, inspect and requeue compute tasks.`,
	}

	for i := range tasksCmd {
		cmd.AddCommand(&tasksCmd[i])
	}

	createCmd := &tasksCmd[0]
	createCmd.Flags().StringP("file", "f", "", "Task definition file (YAML or JSON)")
	createCmd.Flags().IntP("redundancy", "r", 0, "Number of workers that independently execute and verify the task")
	createCmd.Flags().IntP("parallelism", "p", 0, "Number of chunks for a parallel task")
	createCmd.Flags().Int64("range", 0, "Size of the work range split across chunks")
	createCmd.Flags().String("region", "", "Preferred worker region")
	createCmd.Flags().Bool("gpu", false, "Prefer GPU workers")
	createCmd.Flags().Float64("min-memory", 0, "Minimum free memory in GB")
	createCmd.Flags().StringP("script", "s", "", "Path to a script pushed to workers")
	createCmd.Flags().String("runtime", "", "Script runtime (node, python, sh)")
	createCmd.Flags().StringSlice("deps", nil, "Script dependencies")
	createCmd.Flags().String("payload", "", "Task payload as a JSON object")

	tasksCmd[2].Flags().String("state", "", "Only show tasks in this state")

	return &cmd
}
