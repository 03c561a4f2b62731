package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// evalSet is the YAML layout of an evaluation run.
type evalSet struct {
	Questions []evalQuestion `yaml:"questions"`
}

type evalQuestion struct {
	ID         string `yaml:"id"`
	Question   string `yaml:"question"`
	FreshOnly  bool   `yaml:"fresh_only"`
	MaxSources int    `yaml:"max_sources"`
}

type evalRow struct {
	ID            string
	Bullets       int
	Sources       int
	Coverage      float64
	LowConfidence bool
	Reason        failure.Reason
}

type evalSummary struct {
	Rows         []evalRow
	Answered     int
	Failed       int
	LowConf      int
	MeanCoverage float64
}

func loadEvalSet(path string) (evalSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return evalSet{}, err
	}
	var set evalSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return evalSet{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range set.Questions {
		q := &set.Questions[i]
		if strings.TrimSpace(q.Question) == "" {
			return evalSet{}, fmt.Errorf("%s: question %d is empty", path, i)
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
	}
	return set, nil
}

// summarize folds per-question results. Mean coverage is taken over
// answered questions only.
func summarize(rows []evalRow) evalSummary {
	s := evalSummary{Rows: rows}
	var total float64
	for _, r := range rows {
		if r.Reason != "" {
			s.Failed++
			continue
		}
		s.Answered++
		total += r.Coverage
		if r.LowConfidence {
			s.LowConf++
		}
	}
	if s.Answered > 0 {
		s.MeanCoverage = total / float64(s.Answered)
	}
	return s
}

func (s evalSummary) write(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBULLETS\tSOURCES\tCOVERAGE\tSTATUS")
	for _, r := range s.Rows {
		status := "ok"
		switch {
		case r.Reason != "":
			status = string(r.Reason)
		case r.LowConfidence:
			status = "low_confidence"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%s\n", r.ID, r.Bullets, r.Sources, r.Coverage, status)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nanswered %d/%d, low confidence %d, failed %d, mean coverage %.3f\n",
		s.Answered, len(s.Rows), s.LowConf, s.Failed, s.MeanCoverage)
}

func evalCMD(cfgPath *string) *cobra.Command {
	var offline bool
	var corpus string
	var failUnder float64
	eval := &cobra.Command{
		Use:   "eval <questions.yaml>",
		Short: "Run a question list and print a coverage summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadEvalSet(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			if !offline {
				a.connectRedis(ctx)
			}
			if _, err := a.openStore(ctx); err != nil {
				return err
			}
			p, err := a.pipeline(ctx, offline, corpus)
			if err != nil {
				return err
			}

			rows := make([]evalRow, 0, len(set.Questions))
			for _, q := range set.Questions {
				resp, err := p.Answer(ctx, pipeline.Request{Question: q.Question, FreshOnly: q.FreshOnly, MaxSources: q.MaxSources})
				row := evalRow{ID: q.ID}
				if err != nil {
					row.Reason = failure.ReasonOf(err)
				} else {
					row.Bullets = len(resp.Bullets)
					row.Sources = len(resp.Sources)
					row.Coverage = resp.Coverage
					row.LowConfidence = resp.LowConfidence
				}
				rows = append(rows, row)
			}
			sum := summarize(rows)
			sum.write(cmd.OutOrStdout())
			if failUnder > 0 && sum.MeanCoverage < failUnder {
				return fmt.Errorf("mean coverage %.3f below %.3f", sum.MeanCoverage, failUnder)
			}
			return nil
		},
	}
	eval.Flags().BoolVar(&offline, "offline", false, "use the echo generator, hashed embeddings and a static corpus")
	eval.Flags().StringVar(&corpus, "corpus", "", "YAML corpus of search results for --offline")
	eval.Flags().Float64Var(&failUnder, "fail-under", 0, "exit non-zero when mean coverage is below this value")
	return eval
}
