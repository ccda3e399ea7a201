package controllers

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/utils"
)

var testPriority = []int{1080, 720, 480}

func single(id string, ep, res int) *models.MediaItem {
	return &models.MediaItem{UniqueID: id, SeriesID: 1, Season: 1, EpisodeStart: ep, Resolution: res}
}

func compilation(id string, start, end, res int) *models.MediaItem {
	e := end
	return &models.MediaItem{UniqueID: id, SeriesID: 1, Season: 1, EpisodeStart: start, EpisodeEnd: &e, Resolution: res}
}

func TestPlanScenarioA(t *testing.T) {
	items := []*models.MediaItem{
		single("s1", 1, 480),
		single("s2", 2, 720),
		compilation("c1", 1, 3, 1080),
	}

	result := Plan(items, testPriority)

	want := map[string]models.PlanStatus{
		"s1": models.PlanReplaced,
		"s2": models.PlanReplaced,
		"c1": models.PlanInPlanCompilation,
	}
	if !reflect.DeepEqual(result.Statuses, want) {
		t.Fatalf("Statuses = %v, want %v", result.Statuses, want)
	}
	if len(result.Plan) != 1 || result.Plan[0].UniqueID != "c1" {
		t.Errorf("Plan = %v, want only c1", ids(result.Plan))
	}
}

func TestPlanKeepsBetterSingles(t *testing.T) {
	items := []*models.MediaItem{
		single("s1", 1, 1080),
		single("s2", 2, 720),
		compilation("c1", 1, 3, 720),
	}

	result := Plan(items, testPriority)

	// c1 is needed for episode 3 but cannot replace s1, which is better
	if result.Statuses["s1"] != models.PlanInPlanSingle {
		t.Errorf("s1 = %s, want in_plan_single", result.Statuses["s1"])
	}
	if result.Statuses["s2"] != models.PlanInPlanSingle {
		t.Errorf("s2 = %s, want in_plan_single (no strict improvement allowed)", result.Statuses["s2"])
	}
	if result.Statuses["c1"] != models.PlanInPlanCompilation {
		t.Errorf("c1 = %s, want in_plan_compilation", result.Statuses["c1"])
	}
}

func TestPlanDuplicateSingles(t *testing.T) {
	items := []*models.MediaItem{
		single("a", 1, 480),
		single("b", 1, 1080),
		single("c", 2, 720),
	}

	result := Plan(items, testPriority)

	if result.Statuses["b"] != models.PlanInPlanSingle || result.Statuses["c"] != models.PlanInPlanSingle {
		t.Fatalf("Statuses = %v", result.Statuses)
	}
	// a lost to b but its episode is still covered by the plan
	if result.Statuses["a"] != models.PlanReplaced {
		t.Errorf("a = %s, want replaced", result.Statuses["a"])
	}
}

func TestPlanGreedyPrefersWiderGapCoverage(t *testing.T) {
	items := []*models.MediaItem{
		single("s1", 1, 1080),
		compilation("small", 2, 3, 1080),
		compilation("wide", 1, 6, 720),
		compilation("tail", 5, 6, 1080),
	}

	result := Plan(items, testPriority)

	if result.Statuses["wide"] != models.PlanInPlanCompilation {
		t.Fatalf("wide = %s, want in_plan_compilation", result.Statuses["wide"])
	}
	if result.Statuses["small"] != models.PlanReplaced || result.Statuses["tail"] != models.PlanReplaced {
		t.Errorf("Statuses = %v, want small and tail replaced", result.Statuses)
	}
	for ep := 1; ep <= 6; ep++ {
		if !result.Covered[models.EpisodeKey{Season: 1, Episode: ep}] {
			t.Errorf("episode %d not covered", ep)
		}
	}
}

func TestPlanIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		items := randomItems(r)
		first := Plan(items, testPriority)

		shuffled := append([]*models.MediaItem(nil), items...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second := Plan(shuffled, testPriority)

		if !reflect.DeepEqual(first.Statuses, second.Statuses) {
			t.Fatalf("round %d: statuses differ\n%v\n%v", round, first.Statuses, second.Statuses)
		}
	}
}

func TestPlanProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		items := randomItems(r)
		result := Plan(items, testPriority)
		byID := make(map[string]*models.MediaItem)
		for _, item := range items {
			byID[item.UniqueID] = item
		}

		// coverage maximality: every candidate episode is covered
		for _, item := range items {
			for _, k := range item.Episodes() {
				if !result.Covered[k] {
					t.Fatalf("round %d: %s not covered", round, k)
				}
			}
		}

		// upgrade safety: a single displaced by a compilation is never better than it
		singleAt := make(map[models.EpisodeKey]bool)
		for _, s := range result.Plan {
			if !s.IsCompilation() {
				singleAt[models.EpisodeKey{Season: s.Season, Episode: s.EpisodeStart}] = true
			}
		}
		for id, status := range result.Statuses {
			item := byID[id]
			if status != models.PlanReplaced || item.IsCompilation() {
				continue
			}
			if singleAt[models.EpisodeKey{Season: item.Season, Episode: item.EpisodeStart}] {
				continue
			}
			found := false
			q := utils.QualityOf(item.Resolution, testPriority)
			for _, c := range result.Plan {
				if !c.IsCompilation() || c.EpisodeStart > item.EpisodeStart || c.LastEpisode() < item.EpisodeStart {
					continue
				}
				if q.Compare(utils.QualityOf(c.Resolution, testPriority)) <= 0 {
					found = true
				}
			}
			if !found {
				t.Fatalf("round %d: replaced single %s has no compilation at least as good", round, id)
			}
		}

		// every item gets exactly one status; a covered item is never redundant
		if len(result.Statuses) != len(items) {
			t.Fatalf("round %d: %d statuses for %d items", round, len(result.Statuses), len(items))
		}
		for id, status := range result.Statuses {
			if status == models.PlanRedundant {
				t.Fatalf("round %d: %s redundant although every candidate episode is covered", round, id)
			}
		}
	}
}

func randomItems(r *rand.Rand) []*models.MediaItem {
	resolutions := []int{480, 720, 1080, 2160}
	var items []*models.MediaItem
	n := 1 + r.Intn(8)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("i%02d", i)
		res := resolutions[r.Intn(len(resolutions))]
		start := 1 + r.Intn(10)
		if r.Intn(3) == 0 {
			items = append(items, compilation(id, start, start+1+r.Intn(5), res))
		} else {
			items = append(items, single(id, start, res))
		}
	}
	return items
}

func ids(items []*models.MediaItem) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.UniqueID)
	}
	return out
}
