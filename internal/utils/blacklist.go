package utils

import (
	"bufio"
	"os"
	"strings"
)

// Blacklist holds terms that exclude a release from scanning
type Blacklist struct {
	terms []string
}

// NewBlacklist creates a blacklist from a fixed set of terms
func NewBlacklist(terms ...string) *Blacklist {
	b := &Blacklist{}
	for _, term := range terms {
		if term = strings.TrimSpace(term); term != "" {
			b.terms = append(b.terms, strings.ToLower(term))
		}
	}
	return b
}

// LoadBlacklist loads blacklist terms from a file, one per line, '#' starting a comment
func LoadBlacklist(path string) (*Blacklist, error) {
	// If file doesn't exist, return empty blacklist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewBlacklist(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var terms []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		term := strings.TrimSpace(scanner.Text())
		if term != "" && !strings.HasPrefix(term, "#") {
			terms = append(terms, term)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewBlacklist(terms...), nil
}

// IsBlacklisted checks if a release title matches any term.
// Returns (isBlacklisted, matchedTerm)
func (b *Blacklist) IsBlacklisted(title string) (bool, string) {
	if b == nil {
		return false, ""
	}
	titleLower := strings.ToLower(title)

	for _, term := range b.terms {
		if strings.Contains(titleLower, term) {
			return true, term
		}
	}

	return false, ""
}

// Len returns the number of terms
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.terms)
}
