package cli

import (
	"fmt"

	"github.com/absmach/anchor/task"
	"github.com/spf13/cobra"
)

var graphsCmd = []cobra.Command{
	{
		Use:   "submit -f <file>",
		Short: "Submit a task graph",
		Long: "Submit a DAG of tasks from a YAML or JSON file. Each node names the nodes it depends on.\n" +
			"Example file:\n" +
			"  nodes:\n" +
			"    fetch:\n" +
			"      spec: {name: fetch, payload: {command: ./fetch.sh}}\n" +
			"    train:\n" +
			"      spec: {name: train, requirements: {gpu: true}}\n" +
			"      depends_on: [fetch]",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			var g task.Graph
			if err := readFile(file, &g); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			if len(g.Nodes) == 0 {
				logErrorCmd(*cmd, fmt.Errorf("%s: %w", file, task.ErrEmptyGraph))

				return
			}

			g, err := asdk.SubmitGraph(cmd.Context(), g)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, g)
		},
	},
	{
		Use:   "get <graph_id>",
		Short: "Get a task graph and the status of its nodes",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			g, err := asdk.GetGraph(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, g)
		},
	},
}

func NewGraphsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "graphs [submit|get]",
		Short: "Task graph management",
		Long:  `Submit and inspect DAGs of dependent tasks.`,
	}

	for i := range graphsCmd {
		cmd.AddCommand(&graphsCmd[i])
	}

	graphsCmd[0].Flags().StringP("file", "f", "", "Graph definition file (YAML or JSON)")

	return &cmd
}
