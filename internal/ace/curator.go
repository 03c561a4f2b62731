package ace

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"go.uber.org/zap"
)

// CuratorConfig holds the merge thresholds.
type CuratorConfig struct {
	// DedupThreshold is the similarity at or above which an add becomes a
	// reinforce of the matched item.
	DedupThreshold float64
	// DensityGain is the relative density increase a rewrite needs before
	// it replaces an item's content.
	DensityGain float64
}

// CuratorConfigFrom converts the ace config section.
func CuratorConfigFrom(c config.ACEConfig) CuratorConfig {
	return CuratorConfig{DedupThreshold: c.DedupThreshold, DensityGain: c.DensityGain}
}

// MergeResult reports what one merge changed. Ids are sorted.
type MergeResult struct {
	Inserted     []string `json:"inserted"`
	Reinforced   []string `json:"reinforced"`
	Deprecated   []string `json:"deprecated"`
	Rewritten    []string `json:"rewritten"`
	Deduplicated int      `json:"deduplicated"`
	Suppressed   int      `json:"suppressed"`
}

// Changed reports whether the merge wrote anything.
func (r MergeResult) Changed() bool {
	return len(r.Inserted)+len(r.Reinforced)+len(r.Deprecated)+len(r.Rewritten) > 0
}

// Curator is the single writer of the playbook store.
type Curator struct {
	store  playbook.Store
	cfg    CuratorConfig
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// CuratorOption customises a Curator.
type CuratorOption func(*Curator)

// WithClock overrides the time stamped on written items.
func WithClock(now func() time.Time) CuratorOption {
	return func(c *Curator) { c.now = now }
}

func NewCurator(store playbook.Store, cfg CuratorConfig, logger *zap.Logger, opts ...CuratorOption) *Curator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Curator{store: store, cfg: cfg, logger: logger.Named("curator"), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// pending accumulates the effect of a batch on one existing item. Each
// reinforce delta counts once; adds folded into the item count once in total.
type pending struct {
	item      playbook.Item
	helpful   int
	harmful   int
	folded    bool
	deprecate bool
	rewrites  []string
}

// Curate merges one run's deltas as a single batch. All matching is done
// against the snapshot taken before the batch, and deltas are put in a
// canonical order first, so the outcome does not depend on their order.
// A delta naming a missing item aborts the merge with failure.ErrMergeConflict
// and leaves the store untouched.
func (c *Curator) Curate(ctx context.Context, deltas []Delta) (MergeResult, error) {
	var res MergeResult
	if len(deltas) == 0 {
		return res, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "ace.curate")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("curate: snapshot: %w", err)
	}
	ordered, err := canonical(deltas)
	if err != nil {
		telemetry.PlaybookMerges.WithLabelValues("invalid").Inc()
		return res, err
	}

	updates := make(map[string]*pending)
	touch := func(id string) (*pending, error) {
		if p, ok := updates[id]; ok {
			return p, nil
		}
		it, ok := snap.Items[id]
		if !ok {
			return nil, failure.Newf(failure.ReasonMergeConflict, "curate", "target item %s does not exist", id)
		}
		p := &pending{item: it.Clone()}
		updates[id] = p
		return p, nil
	}

	active := snap.Active()
	var inserts []playbook.Item
	for _, d := range ordered {
		switch d.Action {
		case ActionAdd:
			id := playbook.ItemID(d.Type, d.Content)
			if cur, ok := snap.Items[id]; ok && cur.Deprecated() {
				res.Suppressed++
				continue
			}
			if _, ok := snap.Items[id]; ok {
				p, _ := touch(id)
				p.folded = true
				res.Deduplicated++
				continue
			}
			if match, ok := c.match(d, active); ok {
				p, _ := touch(match)
				p.folded = true
				res.Deduplicated++
				continue
			}
			if c.duplicatesInsert(d, inserts) {
				res.Deduplicated++
				continue
			}
			inserts = append(inserts, playbook.Item{
				ID:      id,
				Type:    d.Type,
				Content: d.Content,
				Tags:    d.Tags,
			})
		case ActionReinforce:
			p, terr := touch(d.TargetID)
			if terr != nil {
				err = terr
				break
			}
			if d.Negative {
				p.harmful++
			} else {
				p.helpful++
			}
			if d.Content != "" {
				p.rewrites = append(p.rewrites, d.Content)
			}
		case ActionDeprecate:
			p, terr := touch(d.TargetID)
			if terr != nil {
				err = terr
				break
			}
			p.deprecate = true
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		telemetry.PlaybookMerges.WithLabelValues("conflict").Inc()
		c.logger.Warn("merge aborted", zap.Error(err))
		return MergeResult{}, err
	}

	now := c.now().UTC()
	var batch playbook.Batch
	for i := range inserts {
		inserts[i].CreatedAt, inserts[i].UpdatedAt = now, now
		res.Inserted = append(res.Inserted, inserts[i].ID)
	}
	batch.Inserts = inserts

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := updates[id]
		it, changed := p.item, false
		helpful := p.helpful
		if p.folded {
			helpful++
		}
		if helpful > 0 || p.harmful > 0 {
			it.Helpful += helpful
			it.Harmful += p.harmful
			changed = true
			res.Reinforced = append(res.Reinforced, id)
		}
		if rw, ok := c.densest(it.Content, p.rewrites); ok {
			it.Content = rw
			changed = true
			res.Rewritten = append(res.Rewritten, id)
		}
		if p.deprecate && !it.Deprecated() {
			it.Tags = append(slices.Clone(it.Tags), playbook.TagDeprecated)
			changed = true
			res.Deprecated = append(res.Deprecated, id)
		}
		if !changed {
			continue
		}
		it.UpdatedAt = now
		batch.Updates = append(batch.Updates, it)
	}

	if batch.Empty() {
		telemetry.PlaybookMerges.WithLabelValues("noop").Inc()
		return res, nil
	}
	if err = c.store.Upsert(ctx, batch); err != nil {
		telemetry.PlaybookMerges.WithLabelValues("conflict").Inc()
		return MergeResult{}, fmt.Errorf("curate: %w", err)
	}
	telemetry.PlaybookMerges.WithLabelValues("applied").Inc()
	c.logger.Info("playbook merged",
		zap.Int("inserted", len(res.Inserted)),
		zap.Int("reinforced", len(res.Reinforced)),
		zap.Int("deprecated", len(res.Deprecated)),
		zap.Int("deduplicated", res.Deduplicated))
	return res, nil
}

// match finds the most similar active item of the same type whose tags
// overlap the delta's. Ties go to the smaller id.
func (c *Curator) match(d Delta, active []playbook.Item) (string, bool) {
	best, bestSim := "", 0.0
	for _, it := range active {
		if it.Type != d.Type || !tagsOverlap(it.Tags, d.Tags) {
			continue
		}
		if sim := Similarity(it.Content, d.Content); sim >= c.cfg.DedupThreshold && sim > bestSim {
			best, bestSim = it.ID, sim
		}
	}
	return best, best != ""
}

func (c *Curator) duplicatesInsert(d Delta, inserts []playbook.Item) bool {
	for _, it := range inserts {
		if it.Type == d.Type && tagsOverlap(it.Tags, d.Tags) && Similarity(it.Content, d.Content) >= c.cfg.DedupThreshold {
			return true
		}
	}
	return false
}

// densest returns the rewrite with the highest information density when
// it beats the current content by at least DensityGain.
func (c *Curator) densest(current string, rewrites []string) (string, bool) {
	base := textDensity(current)
	best, bestD := "", 0.0
	for _, rw := range rewrites {
		if rw == current {
			continue
		}
		if d := textDensity(rw); d > bestD || (d == bestD && rw < best) {
			best, bestD = rw, d
		}
	}
	if best == "" || bestD < base*(1+c.cfg.DensityGain) || bestD == base {
		return "", false
	}
	return best, true
}

func textDensity(s string) float64 {
	return synth.Density([]synth.AnswerBullet{{Text: s}}, retrieval.WordTokenizer{})
}

// tagsOverlap reports whether the sets share a tag. An untagged side
// matches anything.
func tagsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, t := range a {
		if t != playbook.TagDeprecated && slices.Contains(b, t) {
			return true
		}
	}
	return false
}

// canonical validates deltas and sorts them into a total order.
func canonical(deltas []Delta) ([]Delta, error) {
	out := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		d.Tags = playbook.NormalizeTags(d.Tags)
		d.Content = normalizeContent(d.Content)
		switch d.Action {
		case ActionAdd:
			if _, err := playbook.ParseItemType(string(d.Type)); err != nil {
				return nil, failure.New(failure.ReasonInvalidInput, "curate", err)
			}
			if d.Content == "" {
				return nil, failure.Newf(failure.ReasonInvalidInput, "curate", "add delta without content")
			}
		case ActionReinforce, ActionDeprecate:
			if strings.TrimSpace(d.TargetID) == "" {
				return nil, failure.Newf(failure.ReasonInvalidInput, "curate", "%s delta without target", d.Action)
			}
		default:
			return nil, failure.Newf(failure.ReasonInvalidInput, "curate", "unknown delta action %q", d.Action)
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func less(a, b Delta) bool {
	if a.Action != b.Action {
		return a.Action < b.Action
	}
	if a.TargetID != b.TargetID {
		return a.TargetID < b.TargetID
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Content != b.Content {
		return a.Content < b.Content
	}
	if ta, tb := strings.Join(a.Tags, ","), strings.Join(b.Tags, ","); ta != tb {
		return ta < tb
	}
	return !a.Negative && b.Negative
}
