package cmd

import (
	"strings"

	"harvestplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	launchProviders []string
	launchTier      string
	launchMode      string
	launchParams    []string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a collection run",
	Long: `Launch a collection run across one or more providers.

Each --provider flag names a provider, optionally pinned to a tier with
"name:tier" (tiers: free, medium, premium). Providers without a pin use
the run-level --tier. The estimated cost is reserved against the budget
before anything is dispatched; a run that does not fit is rejected.`,
	Example: `  harvestctl launch --provider alpha --provider beta --tier medium
  harvestctl launch --provider alpha:premium --provider beta --param region=eu`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(launchProviders) == 0 {
			cmd.Println("At least one --provider is required")
			return
		}

		req := api.LaunchRunRequest{
			Mode: launchMode,
			Tier: launchTier,
		}
		for _, spec := range launchProviders {
			name, tierOverride, _ := strings.Cut(spec, ":")
			if name == "" {
				cmd.Printf("Invalid provider spec %q\n", spec)
				return
			}
			req.Providers = append(req.Providers, api.ProviderSpec{
				Name:         name,
				TierOverride: tierOverride,
			})
		}

		if len(launchParams) > 0 {
			req.Params = make(map[string]string, len(launchParams))
			for _, p := range launchParams {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					cmd.Printf("Invalid --param %q, expected key=value\n", p)
					return
				}
				req.Params[k] = v
			}
		}

		client := NewRunClient(viper.GetString("url"))
		resp, err := client.LaunchRun(req)
		if err != nil {
			cmd.Printf("Failed to launch run: %v\n", err)
			return
		}

		cmd.Printf("%s✓%s Run launched\n", colorGreen, colorReset)
		cmd.Printf("%sRun ID:%s          %s\n", colorDim, colorReset, resp.RunID)
		cmd.Printf("%sEstimated cost:%s  %d credits\n", colorDim, colorReset, resp.EstimatedCost)
		cmd.Println()
		cmd.Printf("Follow it with: harvestctl watch %s\n", resp.RunID)
	},
}

func init() {
	launchCmd.Flags().StringArrayVarP(&launchProviders, "provider", "p", nil, "provider to collect from, optionally name:tier (repeatable)")
	launchCmd.Flags().StringVar(&launchTier, "tier", "free", "run-level default tier (free, medium, premium)")
	launchCmd.Flags().StringVar(&launchMode, "mode", "batch", "run mode (batch or live)")
	launchCmd.Flags().StringArrayVar(&launchParams, "param", nil, "run parameter key=value (repeatable)")

	rootCmd.AddCommand(launchCmd)
}
