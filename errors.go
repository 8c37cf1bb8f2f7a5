package stepdeck

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseError reports a problem in a deck source file.
type ParseError struct {
	File    string // Deck file path, empty for in-memory content
	Line    int    // 1-indexed, 0 if unknown
	Message string
	Hint    string // Suggested fix
	Err     error  // Underlying error, if any
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Format()
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Format returns the error with the surrounding source lines and the hint.
func (e *ParseError) Format() string {
	var b strings.Builder

	name := e.File
	if name == "" {
		name = "deck"
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, "%s:%d: %s\n", name, e.Line, e.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s\n", name, e.Message)
	}

	b.WriteString(e.sourceContext())

	if e.Hint != "" {
		fmt.Fprintf(&b, "hint: %s\n", e.Hint)
	}

	return b.String()
}

// sourceContext shows one line either side of the error line.
func (e *ParseError) sourceContext() string {
	if e.File == "" || e.Line < 1 {
		return ""
	}

	f, err := os.Open(e.File)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if e.Line > len(lines) {
		return ""
	}

	var b strings.Builder
	for i := max(1, e.Line-1); i <= min(len(lines), e.Line+1); i++ {
		marker := " "
		if i == e.Line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %3d | %s\n", marker, i, lines[i-1])
	}
	return b.String()
}

// NewParseError creates a ParseError.
func NewParseError(file string, line int, message string) *ParseError {
	return &ParseError{File: file, Line: line, Message: message}
}

// WithHint adds a suggested fix.
func (e *ParseError) WithHint(hint string) *ParseError {
	e.Hint = hint
	return e
}

// Wrap records the underlying error.
func (e *ParseError) Wrap(err error) *ParseError {
	e.Err = err
	return e
}
