package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/spf13/cobra"
)

type askOptions struct {
	offline     bool
	corpus      string
	freshOnly   bool
	maxSources  int
	noPlaybook  bool
	jsonOut     bool
	showLearned bool
}

func askCMD(cfgPath *string) *cobra.Command {
	var o askOptions
	ask := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and print cited bullets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			if !o.offline {
				a.connectRedis(ctx)
			}
			if _, err := a.openStore(ctx); err != nil {
				return err
			}
			p, err := a.pipeline(ctx, o.offline, o.corpus)
			if err != nil {
				return err
			}
			req := pipeline.Request{
				Question:   strings.Join(args, " "),
				FreshOnly:  o.freshOnly,
				MaxSources: o.maxSources,
			}
			if o.noPlaybook {
				off := false
				req.IncludePlaybook = &off
			}
			resp, err := p.Answer(ctx, req)
			if err != nil {
				return err
			}
			return printAnswer(cmd.OutOrStdout(), resp, o)
		},
	}
	ask.Flags().BoolVar(&o.offline, "offline", false, "use the echo generator, hashed embeddings and a static corpus")
	ask.Flags().StringVar(&o.corpus, "corpus", "", "YAML corpus of search results for --offline")
	ask.Flags().BoolVar(&o.freshOnly, "fresh-only", false, "drop sources older than their freshness window")
	ask.Flags().IntVar(&o.maxSources, "max-sources", 0, "maximum sources to consider (1-20, default 8)")
	ask.Flags().BoolVar(&o.noPlaybook, "no-playbook", false, "ignore playbook guidance")
	ask.Flags().BoolVar(&o.jsonOut, "json", false, "print the full response as JSON")
	ask.Flags().BoolVar(&o.showLearned, "show-learning", false, "print the playbook changes the run produced")
	return ask
}

func printAnswer(w io.Writer, resp pipeline.Response, o askOptions) error {
	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(w, resp.Markdown())
	fmt.Fprintf(w, "\ncoverage %.2f", resp.Coverage)
	if resp.LowConfidence {
		fmt.Fprint(w, " (low confidence)")
	}
	fmt.Fprintln(w)
	if o.showLearned && resp.Learning != nil {
		for _, d := range resp.Learning.Deltas {
			target := d.TargetID
			if target == "" {
				target = string(d.Type)
			}
			fmt.Fprintf(w, "learned: %s %s (%s) %s\n", d.Action, target, d.Rule, d.Rationale)
		}
		if resp.Learning.Error != "" {
			fmt.Fprintf(w, "learning aborted: %s\n", resp.Learning.Error)
		}
	}
	return nil
}
