// Package rules extracts season, episode and resolution from release titles with a fixed
// set of patterns.
package rules

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/ports"
	"github.com/amaumene/episodarr/internal/utils"
)

// ErrNoEpisode is returned when a title carries no recognisable episode number
var ErrNoEpisode = errors.New("no episode number in title")

// episodePatterns are tried in order; groups are season, start, end (season may be absent)
var episodePatterns = []struct {
	re        *regexp.Regexp
	hasSeason bool
}{
	// S01E02, S01E02-E05, S01E02E03, S01.E02-05
	{regexp.MustCompile(`(?i)\bS(\d{1,2})[ ._-]?E(\d{1,4})(?:[ ._]?(?:-|~|E)[ ._]?E?(\d{1,4}))?\b`), true},
	// 1x02, 1x02-1x05
	{regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})(?:-(?:\d{1,2}x)?(\d{2,3}))?\b`), true},
	// Season 1 Episode 2
	{regexp.MustCompile(`(?i)\bSeason[ ._]?(\d{1,2})[ ._-]*Episode[ ._]?(\d{1,4})()\b`), true},
	// E02-E05, Ep 2, Episode 2
	{regexp.MustCompile(`(?i)\b(?:E|Ep|Episode)[ ._]?(\d{1,4})(?:[ ._]?(?:-|~)[ ._]?(?:E|Ep)?(\d{1,4}))?\b`), false},
	// [01-12], (01-12)
	{regexp.MustCompile(`[\[(](\d{1,4})[ ]?(?:-|~)[ ]?(\d{1,4})[\])]`), false},
	// Show - 02, Show - 01-12
	{regexp.MustCompile(`\s-\s(\d{1,4})(?:\s?(?:-|~)\s?(\d{1,4}))?(?:v\d)?\b`), false},
}

var seasonPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bS(\d{1,2})\b`),
	regexp.MustCompile(`(?i)\bSeason[ ._]?(\d{1,2})\b`),
	regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)[ ._]Season\b`),
}

var groupPrefix = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)

// Engine is a ports.RuleEngine backed by regular expressions with a result cache
type Engine struct {
	cache  *cache.Cache
	logger *logrus.Logger
}

type cached struct {
	ex  ports.Extraction
	err error
}

// NewEngine creates a new rule engine
func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{
		cache:  cache.New(30*time.Minute, 10*time.Minute),
		logger: logger,
	}
}

// Extract derives structured fields from a release title
func (e *Engine) Extract(title string) (ports.Extraction, error) {
	if v, ok := e.cache.Get(title); ok {
		c := v.(cached)
		return c.ex, c.err
	}

	ex, err := extract(title)
	e.cache.Set(title, cached{ex: ex, err: err}, cache.DefaultExpiration)

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"title":   title,
			"season":  ex.Season,
			"episode": ex.EpisodeStart,
			"end":     ex.EpisodeEnd,
		}).Trace("Title extracted")
	}
	return ex, err
}

func extract(title string) (ports.Extraction, error) {
	ex := ports.Extraction{Resolution: utils.DetermineResolution(title)}

	clean := groupPrefix.ReplaceAllString(title, "")
	clean = strings.TrimSuffix(clean, extOf(clean))
	normalized := strings.NewReplacer("_", " ").Replace(clean)

	for _, p := range episodePatterns {
		loc := p.re.FindStringSubmatchIndex(normalized)
		if loc == nil {
			continue
		}
		groups := submatches(normalized, loc)
		idx := 1
		if p.hasSeason {
			ex.Season = atoi(groups[1])
			idx = 2
		}
		ex.EpisodeStart = atoi(groups[idx])
		if idx+1 < len(groups) {
			if end := atoi(groups[idx+1]); end > ex.EpisodeStart {
				ex.EpisodeEnd = end
			}
		}
		ex.Title = cleanTitle(normalized[:loc[0]])
		break
	}

	if ex.Season == 0 {
		for _, re := range seasonPatterns {
			if m := re.FindStringSubmatch(normalized); m != nil {
				ex.Season = atoi(m[1])
				break
			}
		}
	}
	if ex.Title == "" {
		ex.Title = cleanTitle(normalized)
	}
	if ex.EpisodeStart == 0 {
		return ex, ErrNoEpisode
	}
	return ex, nil
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

func cleanTitle(s string) string {
	s = strings.NewReplacer(".", " ", "[", " ", "]", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " -")
}

func extOf(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 && utils.IsVideoFile(s[i:]) {
		return s[i:]
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
