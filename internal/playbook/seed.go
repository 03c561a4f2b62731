package playbook

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by LoadSeeds.
type SeedFile struct {
	Items []Item `yaml:"items"`
}

// DefaultSeeds are the starter heuristics installed by the seed command.
func DefaultSeeds() []Item {
	return []Item{
		{ID: "query_rewrite:hf-new-models", Type: TypeQueryRewrite, Content: "huggingface:new models => sort:recent", Helpful: 5, Tags: []string{"models", "fresh", "huggingface"}},
		{ID: "source_rule:avoid-stale-medium", Type: TypeSourceRule, Content: "Avoid medium.com posts older than 60 days unless explicitly requested.", Helpful: 3, Tags: []string{"blogs", "fresh"}},
		{ID: "template_rule:model-compare", Type: TypeTemplateRule, Content: "When comparing models, include parameter count, training data summary, benchmark score, and license line.", Helpful: 4, Tags: []string{"comparison", "models"}},
		{ID: "query_rewrite:twitter-latest-ai", Type: TypeQueryRewrite, Content: "twitter:latest => sort:recent", Helpful: 2, Tags: []string{"social", "fresh", "twitter"}},
		{ID: "query_rewrite:reddit-discussion", Type: TypeQueryRewrite, Content: "reddit:discussion => sort:recent", Helpful: 2, Tags: []string{"community", "reddit"}},
	}
}

// LoadSeeds reads items from a YAML file. Missing ids are derived from
// type and content.
func LoadSeeds(path string) ([]Item, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f SeedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range f.Items {
		if _, err := ParseItemType(string(f.Items[i].Type)); err != nil {
			return nil, fmt.Errorf("%s item %d: %w", path, i, err)
		}
		if f.Items[i].ID == "" {
			f.Items[i].ID = ItemID(f.Items[i].Type, f.Items[i].Content)
		}
	}
	return f.Items, nil
}

// Seed inserts the items that are not yet stored, in one batch, and
// returns how many were inserted.
func Seed(ctx context.Context, s Store, items []Item) (int, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var b Batch
	seen := map[string]bool{}
	for _, it := range items {
		if _, ok := snap.Items[it.ID]; ok || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		it = it.Clone()
		it.CreatedAt, it.UpdatedAt = now, now
		b.Inserts = append(b.Inserts, it)
	}
	if b.Empty() {
		return 0, nil
	}
	if err := s.Upsert(ctx, b); err != nil {
		return 0, err
	}
	return len(b.Inserts), nil
}
