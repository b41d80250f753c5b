package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "workqctl",
	Short: "workqctl is a command line tool for interacting with a workq daemon",
	Long: `workqctl is the command-line interface for workqd, a single-host job queue
that dispatches jobs from a shared list store to a bounded pool of isolated
execution units.

Common workflows:

  Submit a job with inline fields:
    workqctl submit --field teamId=t1 --field trajectoryId=tr-9

  Submit raw JSON payloads:
    workqctl submit --payload '{"jobId":"a","params":{"depth":3}}'

  Submit a batch from a YAML file:
    workqctl submit --file jobs.yaml

  Check a job:
    workqctl status <job-id>

  Inspect the queue and its workers:
    workqctl stats

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    WORKQ_URL      API endpoint (default: http://localhost:6161)
    WORKQ_TOKEN    API token, when the daemon requires one`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".workqctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".workqctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "WORKQ_VARNAME"
	viper.SetEnvPrefix("WORKQ")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.workqctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "workqd API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func newClientFromConfig() *QueueClient {
	return NewQueueClient(viper.GetString("url"), viper.GetString("token"))
}
