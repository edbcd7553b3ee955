package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "harvestctl",
	Short: "Harvestctl is a command line tool for the harvestplane collection platform",
	Long: `harvestctl is the command-line interface for harvestplane, a coordination
core for research data collection across third-party providers.

A collection run fans out one task per provider. Each task leases a
credential from the shared pool, passes the provider's rate limiter and
calls the provider API; results are aggregated and settled against the
collection budget.

Common workflows:

  Launch a run across two providers:
    harvestctl launch --provider alpha --provider beta --tier medium

  Pin one provider to a different tier:
    harvestctl launch --provider alpha:premium --provider beta

  Check run status:
    harvestctl status <run-id>

  Follow a run live:
    harvestctl watch <run-id>

  Manage the credential pool:
    harvestctl creds list
    harvestctl creds add --provider alpha --tier premium --secret-file key.txt

  Inspect the budget:
    harvestctl budget show

Configuration:
  Set the API endpoint via environment variable or a config file:
    HARVESTPLANE_URL    API endpoint (default: http://localhost:7171)`,
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

		// Search config in home directory with name ".harvestctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".harvestctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "HARVESTPLANE_VARNAME"
	viper.SetEnvPrefix("HARVESTPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.harvestctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7171", "Harvestplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
