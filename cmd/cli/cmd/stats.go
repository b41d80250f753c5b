package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"workq/pkg/api"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth, host load and worker slots",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, err := newClientFromConfig().GetStatus()
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error fetching status: %v\n", err)
			}
			return
		}

		printStats(cmd, *status)
	},
}

func printStats(cmd *cobra.Command, s api.QueueStatus) {
	cmd.Printf("%sQueue %s%s (%s)\n", colorBold, s.QueueName, colorReset, s.DispatcherState)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sPending:%s     %d\n", colorDim, colorReset, s.PendingJobs)
	cmd.Printf("%sProcessing:%s  %d\n", colorDim, colorReset, s.ProcessingJobs)
	cmd.Printf("%sWorkers:%s     %d busy / %d spawned / %d max\n", colorDim, colorReset, s.ActiveWorkers, s.PoolSize, s.MaxConcurrent)

	load := fmt.Sprintf("cpu %.2f%%  ram %.2f%%", s.ServerLoad.CPU, s.ServerLoad.RAM)
	if s.ServerLoad.Overloaded {
		load = colorRed + load + " (overloaded)" + colorReset
	}
	cmd.Printf("%sLoad:%s        %s\n", colorDim, colorReset, load)

	if len(s.Workers) == 0 {
		return
	}

	cmd.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SLOT\tWORKER\tSTATE\tJOB\tJOBS RUN")
	for _, wk := range s.Workers {
		state, job := "idle", "-"
		switch {
		case wk.CurrentJobID != "":
			state, job = "busy", wk.CurrentJobID
		case !wk.Idle:
			state = "starting"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\n", wk.Index, wk.WorkerID, state, job, wk.JobCount)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
