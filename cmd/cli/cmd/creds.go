package cmd

import (
	"fmt"
	"os"
	"strings"

	"harvestplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage the credential pool",
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials and their health",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		resp, err := client.ListCredentials()
		if err != nil {
			cmd.Printf("Failed to list credentials: %v\n", err)
			return
		}
		if len(resp.Credentials) == 0 {
			cmd.Println("No credentials registered")
			return
		}

		for _, c := range resp.Credentials {
			state := colorGreen + "active" + colorReset
			if !c.Active {
				state = colorRed + "inactive" + colorReset
			} else if c.CooldownUntil != nil {
				state = colorYellow + "cooldown" + colorReset
			}

			cmd.Printf("%s  %-14s %-8s %s\n", c.ID, c.Provider, c.Tier, state)
			cmd.Printf("    %sdaily:%s %s  %smonthly:%s %s  %serrors:%s %d",
				colorDim, colorReset, quotaString(c.DailyUsed, c.DailyQuota),
				colorDim, colorReset, quotaString(c.MonthlyUsed, c.MonthlyQuota),
				colorDim, colorReset, c.ConsecutiveErrors)
			if c.Note != "" {
				cmd.Printf("  %s%s%s", colorDim, c.Note, colorReset)
			}
			cmd.Println()
		}
	},
}

var (
	credProvider     string
	credTier         string
	credSecret       string
	credSecretFile   string
	credMultiLease   bool
	credDailyQuota   int64
	credMonthlyQuota int64
	credNote         string
)

var credsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a credential",
	Long: `Register a provider credential. The secret is read from --secret-file
(preferred) or --secret, sent once over the API and sealed at rest; no
later call ever returns it. A quota of 0 means unlimited.`,
	Run: func(cmd *cobra.Command, args []string) {
		secret := credSecret
		if credSecretFile != "" {
			raw, err := os.ReadFile(credSecretFile)
			if err != nil {
				cmd.Printf("Failed to read secret file: %v\n", err)
				return
			}
			secret = strings.TrimSpace(string(raw))
		}
		if credProvider == "" || secret == "" {
			cmd.Println("--provider and a secret (--secret or --secret-file) are required")
			return
		}

		req := api.CreateCredentialRequest{
			Provider:   credProvider,
			Tier:       credTier,
			Secret:     secret,
			MultiLease: credMultiLease,
			Note:       credNote,
		}
		if credDailyQuota > 0 {
			req.DailyQuota = &credDailyQuota
		}
		if credMonthlyQuota > 0 {
			req.MonthlyQuota = &credMonthlyQuota
		}

		client := NewRunClient(viper.GetString("url"))
		resp, err := client.CreateCredential(req)
		if err != nil {
			cmd.Printf("Failed to create credential: %v\n", err)
			return
		}
		cmd.Printf("%s✓%s Credential %s registered for %s (%s)\n", colorGreen, colorReset, resp.ID, credProvider, credTier)
	},
}

var credsDeactivateCmd = &cobra.Command{
	Use:   "deactivate [credential_id]",
	Short: "Take a credential out of rotation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		if err := client.SetCredentialActive(args[0], false); err != nil {
			cmd.Printf("Failed to deactivate credential: %v\n", err)
			return
		}
		cmd.Printf("Credential %s deactivated\n", args[0])
	},
}

var credsActivateCmd = &cobra.Command{
	Use:   "activate [credential_id]",
	Short: "Put a credential back into rotation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		if err := client.SetCredentialActive(args[0], true); err != nil {
			cmd.Printf("Failed to activate credential: %v\n", err)
			return
		}
		cmd.Printf("Credential %s activated\n", args[0])
	},
}

var credsResetCmd = &cobra.Command{
	Use:   "reset-errors [credential_id]",
	Short: "Clear a credential's error streak and cooldown",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		if err := client.ResetCredentialErrors(args[0]); err != nil {
			cmd.Printf("Failed to reset credential errors: %v\n", err)
			return
		}
		cmd.Printf("Credential %s error state cleared\n", args[0])
	},
}

func quotaString(used int64, quota *int64) string {
	if quota == nil {
		return fmt.Sprintf("%d/∞", used)
	}
	return fmt.Sprintf("%d/%d", used, *quota)
}

func init() {
	credsAddCmd.Flags().StringVarP(&credProvider, "provider", "p", "", "Provider name (required)")
	credsAddCmd.Flags().StringVarP(&credTier, "tier", "t", "free", "Tier the credential unlocks: free, medium, premium")
	credsAddCmd.Flags().StringVar(&credSecret, "secret", "", "Secret value (prefer --secret-file)")
	credsAddCmd.Flags().StringVar(&credSecretFile, "secret-file", "", "File containing the secret")
	credsAddCmd.Flags().BoolVar(&credMultiLease, "multi-lease", false, "Allow concurrent leases on this credential")
	credsAddCmd.Flags().Int64Var(&credDailyQuota, "daily-quota", 0, "Daily record quota (0 = unlimited)")
	credsAddCmd.Flags().Int64Var(&credMonthlyQuota, "monthly-quota", 0, "Monthly record quota (0 = unlimited)")
	credsAddCmd.Flags().StringVar(&credNote, "note", "", "Free-form note shown in listings")

	credsCmd.AddCommand(credsListCmd)
	credsCmd.AddCommand(credsAddCmd)
	credsCmd.AddCommand(credsDeactivateCmd)
	credsCmd.AddCommand(credsActivateCmd)
	credsCmd.AddCommand(credsResetCmd)
	rootCmd.AddCommand(credsCmd)
}
