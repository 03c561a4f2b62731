// Package playbook persists heuristic guidance items. All writes arrive as
// one Batch per merge; stores apply a batch atomically and reject it when
// an update was computed against a stale item.
package playbook

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// ItemType is the closed set of playbook item kinds.
type ItemType string

const (
	TypeQueryRewrite   ItemType = "query_rewrite"
	TypeSourceRule     ItemType = "source_rule"
	TypeTemplateRule   ItemType = "template_rule"
	TypeValidationRule ItemType = "validation_rule"
)

// ItemTypes lists every item type.
var ItemTypes = []ItemType{TypeQueryRewrite, TypeSourceRule, TypeTemplateRule, TypeValidationRule}

// ParseItemType validates s.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(ItemTypes, t) {
		return t, nil
	}
	return "", fmt.Errorf("unknown playbook item type %q", s)
}

// TagDeprecated marks an item as retired. Deprecated items are never deleted.
const TagDeprecated = "deprecated"

// Item is one persisted heuristic.
type Item struct {
	ID        string    `json:"id" yaml:"id"`
	Type      ItemType  `json:"type" yaml:"type"`
	Content   string    `json:"content" yaml:"content"`
	Tags      []string  `json:"tags" yaml:"tags"`
	Helpful   int       `json:"helpful_count" yaml:"helpful"`
	Harmful   int       `json:"harmful_count" yaml:"harmful"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	// Version increments on every write and guards concurrent updates.
	Version int64 `json:"version" yaml:"-"`
}

// HasTag reports whether the item carries tag.
func (i Item) HasTag(tag string) bool { return slices.Contains(i.Tags, tag) }

// Deprecated reports whether the item is retired.
func (i Item) Deprecated() bool { return i.HasTag(TagDeprecated) }

// Clone returns a deep copy.
func (i Item) Clone() Item {
	i.Tags = slices.Clone(i.Tags)
	return i
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ItemID derives a stable id of the form "<type>:<slug>" from the content,
// so the same claim always maps to the same id.
func ItemID(t ItemType, content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha1.Sum([]byte(string(t) + "\x00" + norm))
	words := strings.Fields(strings.Trim(nonSlug.ReplaceAllString(norm, " "), " "))
	if len(words) > 4 {
		words = words[:4]
	}
	slug := strings.Join(words, "-")
	if slug == "" {
		return fmt.Sprintf("%s:%s", t, hex.EncodeToString(sum[:4]))
	}
	return fmt.Sprintf("%s:%s-%s", t, slug, hex.EncodeToString(sum[:4]))
}

// NormalizeTags lowercases, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Snapshot is a consistent view of every item, deprecated ones included.
type Snapshot struct {
	Items map[string]Item
}

// Active returns non-deprecated items sorted by id.
func (s Snapshot) Active() []Item {
	var out []Item
	for _, it := range s.Items {
		if !it.Deprecated() {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

// Batch is one atomic write. Inserts must not exist yet; each update must
// carry the Version it was computed from.
type Batch struct {
	Inserts []Item
	Updates []Item
}

// Empty reports whether the batch writes nothing.
func (b Batch) Empty() bool { return len(b.Inserts) == 0 && len(b.Updates) == 0 }

// Store is the persistence boundary of the playbook.
type Store interface {
	// Upsert applies b entirely or not at all. A stale or missing update
	// target, or an insert whose id exists, fails with failure.ErrMergeConflict.
	Upsert(ctx context.Context, b Batch) error
	// Query returns active items carrying tag, or all active items when tag
	// is empty, sorted by id.
	Query(ctx context.Context, tag string) ([]Item, error)
	// Snapshot returns every item as of one point in time.
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

func sortItems(items []Item) {
	sort.Slice(items, func(a, b int) bool { return items[a].ID < items[b].ID })
}
