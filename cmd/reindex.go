package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/config"
	"github.com/atomicobject/vaultd/internal/eventbus"
	"github.com/atomicobject/vaultd/internal/fileservice"
	"github.com/atomicobject/vaultd/internal/registry"
	"github.com/atomicobject/vaultd/internal/searchindex"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex <vault-id>",
	Short: "Force a full reindex of one registered vault",
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

		rec, err := reg.Get(context.Background(), args[0])
		if err != nil {
			return err
		}

		files := fileservice.New(rec.ID, rec.RootPath, eventbus.New())
		index := searchindex.New(rec.ID)
		if err := index.Reindex(files); err != nil {
			return err
		}

		indexable, err := files.ListIndexable()
		if err != nil {
			return err
		}
		fmt.Printf("reindexed %s (%s): %s files\n", rec.Name, rec.ID, humanize.Comma(int64(len(indexable))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
