package utils

import "testing"

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Show.Name.S01E02", "show name s01e02"},
		{"[Group] Ｓｈｏｗ　Ｎａｍｅ - 01", "group show name 01"},
		{"  Multiple   Spaces!! ", "multiple spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeTitle(tt.in); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitleMatches(t *testing.T) {
	names := []string{"The Expanse", "Expanse"}

	if !TitleMatches("The.Expanse.S01E01.1080p", names, 2) {
		t.Error("exact title should match")
	}
	if !TitleMatches("Teh Expanse S01E01", []string{"The Expanse"}, 2) {
		t.Error("title within edit distance should match")
	}
	if TitleMatches("Another Show S01E01", names, 2) {
		t.Error("unrelated title should not match")
	}
}
