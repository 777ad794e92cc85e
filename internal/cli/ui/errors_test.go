package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestFormatError(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	tests := []struct {
		name     string
		opts     ErrorOptions
		contains []string
		excludes []string
	}{
		{
			name:     "with context",
			opts:     ErrorOptions{Context: "type not found", Problem: "example.Bok"},
			contains: []string{"x TYPE NOT FOUND: example.Bok"},
			excludes: []string{"Did you mean"},
		},
		{
			name:     "without context",
			opts:     ErrorOptions{Problem: "graph reload failed"},
			contains: []string{"x graph reload failed"},
		},
		{
			name:     "warning",
			opts:     ErrorOptions{Level: ErrorLevelWarning, Problem: "unknown table"},
			contains: []string{"! unknown table"},
		},
		{
			name: "suggestions and help",
			opts: ErrorOptions{
				Problem:      "x",
				Suggestions:  []string{"a", "b"},
				HelpCommands: []string{"See all types: cascade graph"},
			},
			contains: []string{"Did you mean: a, b?", "-> See all types: cascade graph"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.NoColor = true
			out := FormatError(tt.opts)
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(out, s) {
					t.Errorf("output should not contain %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestTypeNotFoundError(t *testing.T) {
	out := TypeNotFoundError("example.Bok", []string{"example.Book"}, true)
	if !strings.Contains(out, "TYPE NOT FOUND: example.Bok") || !strings.Contains(out, "example.Book?") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestUnknownOptionError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(UnknownOptionError("format", "debezum", []string{"debezium", "maxwell"}, true))

	out := buf.String()
	for _, s := range []string{"UNKNOWN FORMAT: debezum", "Did you mean: debezium?", "Valid values: debezium, maxwell"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
}
