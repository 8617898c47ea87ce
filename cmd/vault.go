package cmd

import "github.com/spf13/cobra"

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vaultd's registered vaults",
}

func init() {
	rootCmd.AddCommand(vaultCmd)
}
