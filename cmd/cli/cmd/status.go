package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"workq/pkg/api"

	"github.com/spf13/cobra"
)

var (
	statusJSON     bool
	statusWatch    bool
	statusInterval time.Duration
	statusTimeout  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long: `Retrieve the latest status record of a job: its state (queued, running, completed, failed,
queued_after_failure, requeued_after_restart), when it was recorded, and the fields attached
to it such as workerId, progress, result or error.

With --watch the record is polled until the job completes or fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClientFromConfig()
		if statusWatch {
			return watchStatus(cmd, client, args[0])
		}

		job, err := client.GetJob(args[0])
		if err != nil {
			reportRequestError(cmd, err)
			return nil
		}
		return renderStatus(cmd, *job)
	},
}

// watchStatus prints one line per observed transition and the full record at the end.
func watchStatus(cmd *cobra.Command, client *QueueClient, jobID string) error {
	deadline := time.Now().Add(statusTimeout)
	var last string
	for {
		job, err := client.GetJob(jobID)
		if err != nil {
			reportRequestError(cmd, err)
			return nil
		}

		line := job.Status
		if p, ok := job.Details["progress"].(float64); ok && job.Status == "running" {
			line += " " + progressBar(p)
		}
		if line != last {
			cmd.Printf("%s %s\n", time.Now().Format("15:04:05"), colorizeStatus(job.Status)+strings.TrimPrefix(line, job.Status))
			last = line
		}

		if terminal(job.Status) {
			return renderStatus(cmd, *job)
		}
		if statusTimeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("job %s still %s after %s", jobID, job.Status, statusTimeout)
		}
		time.Sleep(statusInterval)
	}
}

func renderStatus(cmd *cobra.Command, job api.JobStatus) error {
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	printStatus(cmd, job)
	return nil
}

func reportRequestError(cmd *cobra.Command, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Failed to send request: %v\n", err)
}

func printStatus(cmd *cobra.Command, job api.JobStatus) {
	cmd.Printf("%s %sJob %s%s\n", statusIcon(job.Status), colorBold, job.JobID, colorReset)
	cmd.Println(strings.Repeat("─", 30))

	row := func(label, value string) {
		cmd.Printf("%s%-12s%s %s\n", colorDim, label+":", colorReset, value)
	}
	row("Status", colorizeStatus(job.Status))
	row("Updated", formatTimeWithRelative(&job.Timestamp))

	shown := map[string]bool{}
	if d, ok := job.Details["duration"].(float64); ok {
		row("Duration", colorCyan+formatDuration(time.Duration(d)*time.Millisecond)+colorReset)
		shown["duration"] = true
	}
	if p, ok := job.Details["progress"].(float64); ok && job.Status == "running" {
		row("Progress", progressBar(p))
		shown["progress"] = true
	}
	if e, ok := job.Details["error"].(string); ok && e != "" {
		row("Error", colorRed+e+colorReset)
		shown["error"] = true
	}

	keys := make([]string, 0, len(job.Details))
	for k := range job.Details {
		if !shown[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		row(k, formatValue(job.Details[k]))
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// progressBar renders a 0-100 progress value as a fixed-width bar.
func progressBar(p float64) string {
	p = max(0, min(p, 100))
	filled := int(p / 10)
	return fmt.Sprintf("[%s%s] %.0f%%", strings.Repeat("#", filled), strings.Repeat(".", 10-filled), p)
}

func terminal(status string) bool {
	return status == "completed" || status == "failed"
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

type statusStyle struct {
	color string
	icon  string
}

var statusStyles = map[string]statusStyle{
	"completed":              {colorGreen, "✓"},
	"failed":                 {colorRed, "✗"},
	"running":                {colorYellow, "⏳"},
	"queued":                 {colorCyan, "◯"},
	"queued_after_failure":   {colorCyan, "↻"},
	"requeued_after_restart": {colorCyan, "↻"},
}

func statusIcon(status string) string {
	if s, ok := statusStyles[status]; ok {
		return s.color + s.icon + colorReset
	}
	return "•"
}

func colorizeStatus(status string) string {
	s, ok := statusStyles[status]
	if !ok {
		return status
	}
	return statusIcon(status) + " " + s.color + status + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format(time.RFC1123), colorDim, relativeTime(*t), colorReset)
}

func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 48*time.Hour:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func addStatusFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status record as JSON")
	cmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Poll until the job completes or fails")
	cmd.Flags().DurationVar(&statusInterval, "interval", time.Second, "Poll interval for --watch")
	cmd.Flags().DurationVar(&statusTimeout, "timeout", 0, "Give up watching after this long (0 waits forever)")
}

func init() {
	addStatusFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
