package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/flowengine/internal/bootstrap"
)

// NewScheduleCmd groups the read-only schedule inspection subcommands.
func NewScheduleCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect durably scheduled jobs",
	}
	cmd.AddCommand(newScheduleListCmd(engineFn, outputFn))
	return cmd
}

func newScheduleListCmd(engineFn func() *bootstrap.Engine, outputFn func() *Output) *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engineFn()
			out := outputFn()

			jobs, err := e.Sched.GetAllPersistedJobs(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "TYPE", "CRON", "NEXT_RUN", "RUN_COUNT", "FAIL_COUNT", "ENABLED"}
			var rows [][]string
			for _, j := range jobs {
				if pattern != "" && !strings.Contains(j.ID, pattern) {
					continue
				}
				rows = append(rows, []string{
					j.ID, string(j.Type), j.CronExpr, strconv.FormatInt(j.NextRun, 10),
					strconv.FormatInt(j.RunCount, 10), strconv.FormatInt(j.FailCount, 10),
					strconv.FormatBool(j.Enabled),
				})
			}
			out.Print(headers, rows, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "match", "", "only show job ids containing this substring")
	return cmd
}
