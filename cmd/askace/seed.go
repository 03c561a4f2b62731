package main

import (
	"fmt"

	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/spf13/cobra"
)

func seedCMD(cfgPath *string) *cobra.Command {
	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Backfill the playbook from a YAML file or the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			items := playbook.DefaultSeeds()
			if file != "" {
				if items, err = playbook.LoadSeeds(file); err != nil {
					return err
				}
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := playbook.Seed(cmd.Context(), store, items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d items\n", n, len(items))
			return nil
		},
	}
	seed.Flags().StringVarP(&file, "file", "f", "", "YAML seed file (default: built-in seeds)")
	return seed
}
