package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/config"
	"github.com/atomicobject/vaultd/internal/registry"
)

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		registryPath, err := config.RegistryPath()
		if err != nil {
			return err
		}
		reg, err := registry.Open(registryPath)
		if err != nil {
			return err
		}
		defer reg.Close()

		records, err := reg.List(context.Background())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("(no vaults registered)")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %s  %s\n", rec.ID, rec.Name, rec.RootPath)
		}
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultListCmd)
}
