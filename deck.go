package stepdeck

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Deck is a parsed presentation: metadata plus step descriptors.
type Deck struct {
	Title   string           `yaml:"title"`
	Offset  int              `yaml:"offset"`
	Initial StepID           `yaml:"initial"`
	Steps   []StepDescriptor `yaml:"steps"`

	SourceFile string `yaml:"-"`
}

// Frontmatter is the YAML header of a markdown deck.
type Frontmatter struct {
	Title   string `yaml:"title"`
	Offset  int    `yaml:"offset"`  // Preview offset suggested for followers
	Initial StepID `yaml:"initial"` // Step to start on when no fragment is given
}

// Registry builds the step registry for the deck.
func (d *Deck) Registry() (*Registry, error) {
	return NewRegistry(d.Steps)
}

// InitialTarget returns the deck's initial step as a target.
func (d *Deck) InitialTarget() Target {
	return ByName(d.Initial)
}

// ParseDeckFile reads a deck from disk. Files ending in .yaml or .yml are
// read as YAML decks, anything else as markdown.
func ParseDeckFile(path string) (*Deck, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deck: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	var deck *Deck
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		deck, err = parseYAMLDeck(content, absPath)
	default:
		deck, err = parseMarkdownDeck(content, absPath)
	}
	if err != nil {
		return nil, err
	}
	deck.SourceFile = absPath
	return deck, nil
}

// ParseDeck parses markdown deck content.
func ParseDeck(content []byte) (*Deck, error) {
	return parseMarkdownDeck(content, "")
}

// ParseYAMLDeck parses a YAML deck.
func ParseYAMLDeck(content []byte) (*Deck, error) {
	return parseYAMLDeck(content, "")
}

func parseYAMLDeck(content []byte, file string) (*Deck, error) {
	var deck Deck
	if err := yaml.Unmarshal(content, &deck); err != nil {
		return nil, NewParseError(file, 0, "invalid YAML deck").Wrap(err)
	}
	if err := validateSteps(deck.Steps, file, nil); err != nil {
		return nil, err
	}
	return &deck, nil
}

// parseMarkdownDeck turns headings into steps: a level 1 or 2 heading opens
// a step, level 3 headings inside it are substeps. Heading attributes carry
// the ids ({#intro}) and order keys ({data-order=2}).
func parseMarkdownDeck(content []byte, file string) (*Deck, error) {
	fm, body, err := extractFrontmatter(content)
	if err != nil {
		return nil, NewParseError(file, 1, "invalid frontmatter").
			Wrap(err).
			WithHint("Frontmatter must start with '---' and be closed by another '---' line")
	}
	bodyLine := bytes.Count(content[:len(content)-len(body)], []byte("\n"))

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAttribute()),
	)
	doc := md.Parser().Parse(text.NewReader(body))

	var (
		steps []StepDescriptor
		lines []int
	)
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		line := bodyLine + headingLine(h, body)
		switch {
		case h.Level <= 2:
			steps = append(steps, StepDescriptor{
				ID:    StepID(stringAttr(h, "id")),
				Title: headingText(h, body),
			})
			lines = append(lines, line)
		case h.Level == 3 && len(steps) > 0:
			cur := &steps[len(steps)-1]
			ref := stringAttr(h, "id")
			if ref == "" {
				ref = headingText(h, body)
			}
			cur.Substeps = append(cur.Substeps, Substep{
				Ref:   ref,
				Order: stringAttr(h, "data-order"),
			})
		}
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, NewParseError(file, 0, "failed to walk markdown").Wrap(err)
	}

	if err := validateSteps(steps, file, lines); err != nil {
		return nil, err
	}

	return &Deck{
		Title:   fm.Title,
		Offset:  fm.Offset,
		Initial: fm.Initial,
		Steps:   steps,
	}, nil
}

// validateSteps reports the registry construction errors with source lines.
func validateSteps(steps []StepDescriptor, file string, lines []int) error {
	if len(steps) == 0 {
		return NewParseError(file, 0, "deck has no steps").
			Wrap(ErrNoSteps).
			WithHint("Start each step with a '#' or '##' heading")
	}

	seen := make(map[StepID]int, len(steps))
	for i, s := range steps {
		id := s.ID
		if id == "" {
			id = StepID(fmt.Sprintf("step-%d", i+1))
		}
		line := 0
		if i < len(lines) {
			line = lines[i]
		}
		if first, dup := seen[id]; dup {
			return NewParseError(file, line, fmt.Sprintf("duplicate step id %q", id)).
				Wrap(ErrDuplicateStep).
				WithHint(fmt.Sprintf("Step %d already uses this id; give this step its own {#id}", first+1))
		}
		seen[id] = i
	}
	return nil
}

// extractFrontmatter splits an optional YAML header from the markdown body.
func extractFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	end := bytes.Index(content[4:], []byte("\n---\n"))
	if end == -1 {
		return nil, nil, errors.New("unclosed frontmatter")
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(content[4:4+end], &fm); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &fm, content[4+end+5:], nil
}

func headingLine(h *ast.Heading, source []byte) int {
	if h.Lines().Len() == 0 {
		return 0
	}
	start := h.Lines().At(0).Start
	return bytes.Count(source[:start], []byte("\n")) + 1
}

func headingText(h *ast.Heading, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// stringAttr returns a heading attribute as text. Numeric attribute values
// are formatted back to their shortest decimal form.
func stringAttr(n ast.Node, name string) string {
	v, ok := n.AttributeString(name)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}
