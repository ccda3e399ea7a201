package utils

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultQualityPriority is used when no priority list is configured
var DefaultQualityPriority = []int{1080, 720, 480}

var resolutionRegex = regexp.MustCompile(`(?i)\b(\d{3,4})[pi]\b`)

// DetermineResolution parses a title string and returns its vertical resolution, or 0
func DetermineResolution(title string) int {
	titleLower := strings.ToLower(title)

	if m := resolutionRegex.FindStringSubmatch(titleLower); len(m) > 1 {
		if res, err := strconv.Atoi(m[1]); err == nil {
			return res
		}
	}

	switch {
	case strings.Contains(titleLower, "2160") || strings.Contains(titleLower, "4k") || strings.Contains(titleLower, "uhd"):
		return 2160
	case strings.Contains(titleLower, "fhd"):
		return 1080
	case strings.Contains(titleLower, "hd"):
		return 720
	}
	return 0
}

// Quality is the rank of a resolution under a priority list
type Quality struct {
	Index      int // position in the priority list, len(list) when absent
	Resolution int
}

// QualityOf ranks a resolution against an ordered priority list (most preferred first)
func QualityOf(resolution int, priority []int) Quality {
	idx := len(priority)
	for i, res := range priority {
		if res == resolution {
			idx = i
			break
		}
	}
	return Quality{Index: idx, Resolution: resolution}
}

// Compare returns -1 when q is worse than o, 1 when better, 0 when equal
func (q Quality) Compare(o Quality) int {
	// PRIORITY 1: lower priority index wins
	if q.Index != o.Index {
		if q.Index < o.Index {
			return 1
		}
		return -1
	}

	// PRIORITY 2: higher raw resolution wins
	if q.Resolution != o.Resolution {
		if q.Resolution > o.Resolution {
			return 1
		}
		return -1
	}
	return 0
}

// ParseQualityPriority parses a comma separated resolution list such as "1080,720,480"
func ParseQualityPriority(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(part)), "p")
		if part == "" {
			continue
		}
		if res, err := strconv.Atoi(part); err == nil {
			out = append(out, res)
		}
	}
	if len(out) == 0 {
		return DefaultQualityPriority
	}
	return out
}
