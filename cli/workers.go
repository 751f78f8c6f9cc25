package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var errSlashAborted = errors.New("slash aborted")

var workersCmd = []cobra.Command{
	{
		Use:   "list",
		Short: "List workers",
		Run: func(cmd *cobra.Command, args []string) {
			page, err := asdk.ListWorkers(cmd.Context(), Offset, Limit)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, page)
		},
	},
	{
		Use:   "get <worker_id>",
		Short: "Get a worker",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			w, err := asdk.GetWorker(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, w)
		},
	},
	{
		Use:   "reputation <worker_id>",
		Short: "Get a worker's reputation",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			rep, err := asdk.Reputation(cmd.Context(), args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, map[string]any{"worker_id": args[0], "reputation": rep})
		},
	},
	{
		Use:   "slash <worker_id> --reason <reason>",
		Short: "Apply the slashing penalty to a worker",
		Run: func(cmd *cobra.Command, args []string) {
			reason, _ := cmd.Flags().GetString("reason")
			if len(args) != 1 || reason == "" {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				if err := confirmSlash(args[0], reason); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
			}

			rep, err := asdk.Slash(cmd.Context(), args[0], reason)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, map[string]any{"worker_id": args[0], "reputation": rep})
		},
	},
}

func confirmSlash(workerID, reason string) error {
	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Slash worker %s?", workerID)).
			Description(reason).
			Affirmative("Slash").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return err
	}
	if !confirmed {
		return errSlashAborted
	}

	return nil
}

func NewWorkersCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "workers [list|get|reputation|slash]",
		Short: "Workers management",
		Long:  `Inspect registered workers and administer their reputation.`,
	}

	for i := range workersCmd {
		cmd.AddCommand(&workersCmd[i])
	}

	slashCmd := &workersCmd[3]
	slashCmd.Flags().String("reason", "", "Reason recorded with the penalty")
	slashCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	return &cmd
}

var clusterCmd = []cobra.Command{
	{
		Use:   "status",
		Short: "Show consensus, queue and worker status",
		Run: func(cmd *cobra.Command, args []string) {
			status, err := asdk.ClusterStatus(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logJSONCmd(*cmd, status)
		},
	},
}

func NewClusterCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "cluster [status]",
		Short: "Cluster status",
	}

	for i := range clusterCmd {
		cmd.AddCommand(&clusterCmd[i])
	}

	return &cmd
}
