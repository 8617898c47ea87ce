package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/config"
	"github.com/atomicobject/vaultd/internal/registry"
)

var vaultAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a vault directory with the running vaultd registry",
	Args:  cobra.ExactArgs(2),
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

		rec, err := reg.Add(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("added %s (%s) -> %s\n", rec.Name, rec.ID, rec.RootPath)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultAddCmd)
}
