package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBlacklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	content := "# comment\nCAM\n\n  hardsub  \n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b, err := LoadBlacklist(path)
	if err != nil {
		t.Fatalf("LoadBlacklist() error = %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}

	if ok, term := b.IsBlacklisted("Show.S01E01.HardSub.720p"); !ok || term != "hardsub" {
		t.Errorf("IsBlacklisted() = %v, %q, want hardsub", ok, term)
	}
	if ok, _ := b.IsBlacklisted("Show.S01E01.720p"); ok {
		t.Error("clean title should not be blacklisted")
	}
}

func TestLoadBlacklistMissingFile(t *testing.T) {
	b, err := LoadBlacklist(filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil {
		t.Fatalf("LoadBlacklist() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}
