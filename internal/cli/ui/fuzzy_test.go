package ui

import (
	"reflect"
	"testing"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1       string
		s2       string
		expected int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"saturday", "sunday", 3},
		{"debezium", "debezum", 1},
		{"snake", "plural", 6},
	}

	for _, tt := range tests {
		t.Run(tt.s1+"_"+tt.s2, func(t *testing.T) {
			result := LevenshteinDistance(tt.s1, tt.s2)
			if result != tt.expected {
				t.Errorf("LevenshteinDistance(%q, %q) = %d; want %d", tt.s1, tt.s2, result, tt.expected)
			}
			if back := LevenshteinDistance(tt.s2, tt.s1); back != result {
				t.Errorf("distance is not symmetric: %d vs %d", result, back)
			}
		})
	}
}

func TestFindSimilar(t *testing.T) {
	types := []string{"example.Book", "example.BookStore", "example.Author"}

	tests := []struct {
		name   string
		target string
		opts   *FuzzyMatchOptions
		want   []string
	}{
		{"typo", "example.Bok", nil, []string{"example.Book"}},
		{"case insensitive", "EXAMPLE.BOOK", nil, []string{"example.Book"}},
		{"case sensitive", "EXAMPLE.BOOK", &FuzzyMatchOptions{CaseSensitive: true}, []string{}},
		{"closest first", "example.Books", &FuzzyMatchOptions{MaxDistance: 5}, []string{"example.Book", "example.BookStore"}},
		{"limited", "example.Books", &FuzzyMatchOptions{MaxDistance: 5, MaxSuggestions: 1}, []string{"example.Book"}},
		{"nothing close", "warehouse", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindSimilar(tt.target, types, tt.opts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FindSimilar(%q) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}
