package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// ErrorLevel represents the severity of a message
type ErrorLevel int

const (
	ErrorLevelError ErrorLevel = iota
	ErrorLevelWarning
)

// ErrorOptions configures FormatError
type ErrorOptions struct {
	Level        ErrorLevel
	Context      string
	Problem      string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// FormatError renders a problem with suggestions and follow-up commands:
//
//	x TYPE NOT FOUND: example.Bok
//
//	   Did you mean: example.Book?
//
//	   -> See all types: cascade graph
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	header := color.New(color.FgRed, color.Bold)
	symbol := "x"
	if opts.Level == ErrorLevelWarning {
		header = color.New(color.FgYellow, color.Bold)
		symbol = "!"
	}
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	if opts.NoColor {
		header.DisableColor()
		yellow.DisableColor()
		cyan.DisableColor()
	}

	if opts.Context != "" {
		header.Fprintf(&b, "%s %s: %s\n", symbol, strings.ToUpper(opts.Context), opts.Problem)
	} else {
		header.Fprintf(&b, "%s %s\n", symbol, opts.Problem)
	}

	if len(opts.Suggestions) > 0 {
		b.WriteString("\n")
		yellow.Fprintf(&b, "   Did you mean: %s?\n", strings.Join(opts.Suggestions, ", "))
	}

	if len(opts.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range opts.HelpCommands {
			cyan.Fprintf(&b, "   -> %s\n", cmd)
		}
	}

	return b.String()
}

// WriteError writes a formatted error message to the writer
func WriteError(w io.Writer, opts ErrorOptions) {
	fmt.Fprint(w, FormatError(opts))
}

// TypeNotFoundError reports a type name missing from the metadata graph
func TypeNotFoundError(name string, suggestions []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context:     "type not found",
		Problem:     name,
		Suggestions: suggestions,
		HelpCommands: []string{
			"See all types: cascade graph",
		},
		NoColor: noColor,
	})
}

// UnknownOptionError reports a flag value outside a fixed set
func UnknownOptionError(flag, value string, known []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context:     "unknown " + flag,
		Problem:     value,
		Suggestions: FindSimilar(value, known, nil),
		HelpCommands: []string{
			fmt.Sprintf("Valid values: %s", strings.Join(known, ", ")),
		},
		NoColor: noColor,
	})
}
