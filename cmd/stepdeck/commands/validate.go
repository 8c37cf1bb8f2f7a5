package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/livetemplate/stepdeck"
)

// ValidateCommand implements the validate command.
func ValidateCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: stepdeck validate <deck> [deck...]")
	}

	failed := 0
	for _, path := range args {
		if err := validateDeck(os.Stdout, path); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d deck(s) failed validation", failed, len(args))
	}
	return nil
}

// validateDeck parses one deck and prints its steps and substep slots.
func validateDeck(out io.Writer, path string) error {
	deck, err := stepdeck.ParseDeckFile(path)
	if err != nil {
		return err
	}
	reg, err := deck.Registry()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d steps, %d transitions per cycle\n", path, reg.Len(), reg.TotalSlots())
	if deck.Title != "" {
		fmt.Fprintf(out, "  title: %s\n", deck.Title)
	}
	if deck.Offset != 0 {
		fmt.Fprintf(out, "  offset: %d\n", deck.Offset)
	}
	if deck.Initial != "" {
		if !reg.Has(deck.Initial) {
			return fmt.Errorf("%s: initial step %q is not in the deck", path, deck.Initial)
		}
		fmt.Fprintf(out, "  initial: #%s\n", deck.Initial)
	}

	for i, id := range reg.Steps() {
		title := deck.Steps[i].Title
		if title != "" {
			title = " " + title
		}
		fmt.Fprintf(out, "  %2d #%s%s\n", i+1, id, title)
		for j, slot := range reg.SubstepsOf(id) {
			refs := make([]string, 0, len(slot))
			for _, s := range slot {
				refs = append(refs, s.Ref)
			}
			fmt.Fprintf(out, "       %d. %s\n", j+1, strings.Join(refs, " + "))
		}
	}
	return nil
}
