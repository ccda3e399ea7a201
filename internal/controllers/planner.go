package controllers

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

// PlanResult is the outcome of one planning run
type PlanResult struct {
	Statuses map[string]models.PlanStatus // UniqueID -> status, one per input item
	Plan     []*models.MediaItem          // selected items, ordered by season then episode
	Covered  map[models.EpisodeKey]bool
}

type episodeSet map[models.EpisodeKey]struct{}

func (s episodeSet) addAll(item *models.MediaItem) {
	for _, k := range item.Episodes() {
		s[k] = struct{}{}
	}
}

// intersect returns the episodes of item that are in s
func (s episodeSet) intersect(item *models.MediaItem) episodeSet {
	out := episodeSet{}
	for _, k := range item.Episodes() {
		if _, ok := s[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (s episodeSet) containsAll(o episodeSet) bool {
	for k := range o {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

// planner holds the working state of one run
type planner struct {
	priority []int
}

func (p *planner) quality(item *models.MediaItem) utils.Quality {
	return utils.QualityOf(item.Resolution, p.priority)
}

// betterSingle orders singles of the same episode
func (p *planner) betterSingle(a, b *models.MediaItem) bool {
	if c := p.quality(a).Compare(p.quality(b)); c != 0 {
		return c > 0
	}
	return a.UniqueID < b.UniqueID
}

// betterPick orders compilations competing for the same gaps
func (p *planner) betterPick(a, b *models.MediaItem, gaps episodeSet) bool {
	ga, gb := len(gaps.intersect(a)), len(gaps.intersect(b))
	if ga != gb {
		return ga > gb
	}
	// fewer already-covered episodes covered again
	ra, rb := a.Span()-ga, b.Span()-gb
	if ra != rb {
		return ra < rb
	}
	if a.Span() != b.Span() {
		return a.Span() < b.Span()
	}
	if c := p.quality(a).Compare(p.quality(b)); c != 0 {
		return c > 0
	}
	return a.UniqueID < b.UniqueID
}

// Plan selects which media items of one series to acquire. Items are the non-ignored items of
// the series; priority lists resolutions from most to least preferred. The result only
// depends on the input, so repeated runs over unchanged items yield the same statuses.
func Plan(items []*models.MediaItem, priority []int) PlanResult {
	p := &planner{priority: priority}

	sorted := make([]*models.MediaItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UniqueID < sorted[j].UniqueID })

	// 1. Target set
	target := episodeSet{}
	for _, item := range sorted {
		target.addAll(item)
	}

	// 2. Best single per episode
	kept := make(map[models.EpisodeKey]*models.MediaItem)
	var compilations []*models.MediaItem
	for _, item := range sorted {
		if item.IsCompilation() {
			compilations = append(compilations, item)
			continue
		}
		key := models.EpisodeKey{Season: item.Season, Episode: item.EpisodeStart}
		if cur, ok := kept[key]; !ok || p.betterSingle(item, cur) {
			kept[key] = item
		}
	}

	// 3. Gaps left by singles
	covered := episodeSet{}
	for key := range kept {
		covered[key] = struct{}{}
	}
	gaps := episodeSet{}
	for key := range target {
		if _, ok := covered[key]; !ok {
			gaps[key] = struct{}{}
		}
	}

	// 4. Greedy cover of the gaps
	selected := make(map[string]*models.MediaItem)
	pool := append([]*models.MediaItem(nil), compilations...)
	for len(gaps) > 0 {
		var eligible []*models.MediaItem
		for _, c := range pool {
			if len(gaps.intersect(c)) > 0 {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			break
		}

		best := p.pick(p.undominated(eligible, gaps), gaps)
		selected[best.UniqueID] = best
		for _, k := range best.Episodes() {
			delete(gaps, k)
			covered[k] = struct{}{}
		}
		pool = removeItem(pool, best)
	}

	// 5. Upgrade pass, one sweep in quality order
	sweep := append([]*models.MediaItem(nil), compilations...)
	sort.SliceStable(sweep, func(i, j int) bool {
		if c := p.quality(sweep[i]).Compare(p.quality(sweep[j])); c != 0 {
			return c > 0
		}
		return sweep[i].UniqueID < sweep[j].UniqueID
	})
	for _, c := range sweep {
		var replace []models.EpisodeKey
		strict := false
		allowed := true
		for _, k := range c.Episodes() {
			single, ok := kept[k]
			if !ok {
				continue
			}
			cmp := p.quality(single).Compare(p.quality(c))
			if cmp > 0 {
				allowed = false
				break
			}
			if cmp < 0 {
				strict = true
			}
			replace = append(replace, k)
		}
		if !allowed || !strict || len(replace) == 0 {
			continue
		}
		for _, k := range replace {
			delete(kept, k)
		}
		selected[c.UniqueID] = c
		for _, k := range c.Episodes() {
			covered[k] = struct{}{}
		}
	}

	// 6. Statuses
	result := PlanResult{
		Statuses: make(map[string]models.PlanStatus, len(items)),
		Covered:  make(map[models.EpisodeKey]bool, len(covered)),
	}
	for k := range covered {
		result.Covered[k] = true
	}
	inPlan := make(map[string]bool)
	for _, s := range kept {
		inPlan[s.UniqueID] = true
		result.Plan = append(result.Plan, s)
	}
	for _, c := range selected {
		inPlan[c.UniqueID] = true
		result.Plan = append(result.Plan, c)
	}
	sort.Slice(result.Plan, func(i, j int) bool {
		a, b := result.Plan[i], result.Plan[j]
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		if a.EpisodeStart != b.EpisodeStart {
			return a.EpisodeStart < b.EpisodeStart
		}
		return a.UniqueID < b.UniqueID
	})

	for _, item := range sorted {
		switch {
		case inPlan[item.UniqueID] && item.IsCompilation():
			result.Statuses[item.UniqueID] = models.PlanInPlanCompilation
		case inPlan[item.UniqueID]:
			result.Statuses[item.UniqueID] = models.PlanInPlanSingle
		case covered.containsAll(episodeSetOf(item)):
			result.Statuses[item.UniqueID] = models.PlanReplaced
		default:
			result.Statuses[item.UniqueID] = models.PlanRedundant
		}
	}
	return result
}

// undominated drops compilations whose gap coverage is contained in another's
func (p *planner) undominated(eligible []*models.MediaItem, gaps episodeSet) []*models.MediaItem {
	var out []*models.MediaItem
	for _, c := range eligible {
		gc := gaps.intersect(c)
		dominated := false
		for _, d := range eligible {
			if d == c {
				continue
			}
			gd := gaps.intersect(d)
			if !gd.containsAll(gc) {
				continue
			}
			if len(gd) > len(gc) || p.betterPick(d, c, gaps) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	return out
}

func (p *planner) pick(candidates []*models.MediaItem, gaps episodeSet) *models.MediaItem {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if p.betterPick(c, best, gaps) {
			best = c
		}
	}
	return best
}

func episodeSetOf(item *models.MediaItem) episodeSet {
	s := episodeSet{}
	s.addAll(item)
	return s
}

func removeItem(items []*models.MediaItem, target *models.MediaItem) []*models.MediaItem {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

// Planner runs the planning step against the store
type Planner struct {
	db       ports.TaskStore
	priority []int
	logger   *logrus.Logger
}

// NewPlanner creates a new planner
func NewPlanner(db ports.TaskStore, priority []int, logger *logrus.Logger) *Planner {
	if len(priority) == 0 {
		priority = utils.DefaultQualityPriority
	}
	return &Planner{
		db:       db,
		priority: priority,
		logger:   logger,
	}
}

// PlanSeries plans the non-ignored items of a series and persists every changed status
func (c *Planner) PlanSeries(seriesID uint64) (PlanResult, error) {
	all, err := c.db.ListMediaItems(seriesID)
	if err != nil {
		return PlanResult{}, fmt.Errorf("failed to list media items: %w", err)
	}

	var items []*models.MediaItem
	for _, item := range all {
		if !item.IsIgnoredByUser {
			items = append(items, item)
		}
	}

	result := Plan(items, c.priority)

	changed := 0
	for _, item := range items {
		status := result.Statuses[item.UniqueID]
		if item.PlanStatus == status {
			continue
		}
		item.PlanStatus = status
		if err := c.db.UpdateMediaItem(item); err != nil {
			return result, fmt.Errorf("failed to update plan status of %s: %w", item.UniqueID, err)
		}
		changed++
	}

	c.logger.WithFields(logrus.Fields{
		"series_id": seriesID,
		"items":     len(items),
		"planned":   len(result.Plan),
		"changed":   changed,
	}).Debug("Series planned")

	return result, nil
}
