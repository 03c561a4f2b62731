package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/spf13/cobra"
)

func playbookCMD(cfgPath *string) *cobra.Command {
	pb := &cobra.Command{
		Use:   "playbook",
		Short: "Inspect and maintain the playbook",
	}

	var tag string
	list := &cobra.Command{
		Use:   "list",
		Short: "List active playbook items",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			items, err := store.Query(cmd.Context(), strings.ToLower(strings.TrimSpace(tag)))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHELPFUL\tHARMFUL\tTAGS\tCONTENT")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", it.ID, it.Helpful, it.Harmful, strings.Join(it.Tags, ","), it.Content)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&tag, "tag", "", "only items carrying this tag")

	var reason string
	deprecate := &cobra.Command{
		Use:   "deprecate <id>",
		Short: "Retire a playbook item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			c := ace.NewCurator(store, ace.CuratorConfigFrom(a.cfg.ACE), a.logger)
			res, err := c.Curate(cmd.Context(), []ace.Delta{{
				Action:     ace.ActionDeprecate,
				TargetID:   args[0],
				Rationale:  reason,
				Confidence: 1,
				Rule:       ace.RuleManual,
			}})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deprecated %s\n", strings.Join(res.Deprecated, ", "))
			return nil
		},
	}
	deprecate.Flags().StringVar(&reason, "reason", "manual deprecation", "why the item is retired")

	pb.AddCommand(list, deprecate)
	return pb
}
