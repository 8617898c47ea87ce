package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/config"
	"github.com/atomicobject/vaultd/internal/registry"
)

var vaultRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a vault by id",
	Args:  cobra.ExactArgs(1),
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

		if err := reg.Remove(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultRemoveCmd)
}
