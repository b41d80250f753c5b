package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"workq/pkg/api"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Add jobs to the queue",
	Long: `Add one or more jobs to the queue. All jobs of one submit are enqueued atomically.

A job is any JSON object; jobId is generated when absent. Jobs come from
--payload (repeatable), --field key=value pairs (one job), or --file, a YAML
document holding either a list of jobs or {jobs: [...]}.

Example:
  workqctl submit --field teamId=t1 --field trajectoryId=tr-9
  workqctl submit --payload '{"jobId":"a"}' --payload '{"jobId":"b"}'
  workqctl submit --file jobs.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		id, _ := flags.GetString("id")
		fields, _ := flags.GetStringToString("field")
		payloads, _ := flags.GetStringArray("payload")
		file, _ := flags.GetString("file")

		jobs, err := collectJobs(id, fields, payloads, file)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if len(jobs) == 0 {
			cmd.Println("Error: no jobs given, use --field, --payload or --file")
			return
		}

		result, err := newClientFromConfig().EnqueueJobs(api.EnqueueRequest{Jobs: jobs})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ %d job(s) submitted!\n", len(result.JobIDs))
		for _, jobID := range result.JobIDs {
			cmd.Printf("Job ID: %s\n", jobID)
		}
		if result.SessionID != "" {
			cmd.Printf("Session: %s\n", result.SessionID)
		}
	},
}

// collectJobs merges every job source into one batch and assigns missing ids.
func collectJobs(id string, fields map[string]string, payloads []string, file string) ([]map[string]any, error) {
	var jobs []map[string]any

	if id != "" || len(fields) > 0 {
		job := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			job[k] = v
		}
		if id != "" {
			job["jobId"] = id
		}
		jobs = append(jobs, job)
	}

	for i, p := range payloads {
		var job map[string]any
		if err := json.Unmarshal([]byte(p), &job); err != nil {
			return nil, fmt.Errorf("payload %d is not a JSON object: %w", i+1, err)
		}
		jobs = append(jobs, job)
	}

	if file != "" {
		fromFile, err := readJobsFile(file)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, fromFile...)
	}

	for _, job := range jobs {
		if _, ok := job["jobId"]; !ok {
			job["jobId"] = uuid.NewString()
		}
	}
	return jobs, nil
}

func readJobsFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Jobs []map[string]any `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc.Jobs, nil
}

func addSubmitFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("id", "", "Job ID for a --field job (generated when empty)")
	flags.StringToStringP("field", "f", map[string]string{}, "Job field as key=value (repeatable)")
	flags.StringArrayP("payload", "p", []string{}, "Job as a JSON object (repeatable)")
	flags.String("file", "", "YAML file with a list of jobs")
}

func init() {
	addSubmitFlags(submitCmd)
	rootCmd.AddCommand(submitCmd)
}
