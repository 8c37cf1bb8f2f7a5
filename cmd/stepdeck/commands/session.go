package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/livetemplate/stepdeck"
	"github.com/livetemplate/stepdeck/internal/server"
	"github.com/livetemplate/stepdeck/internal/transport"
)

// terminalHost prints each activated position as one line.
type terminalHost struct {
	mu     sync.Mutex
	out    io.Writer
	label  string
	reg    *stepdeck.Registry
	titles map[stepdeck.StepID]string
}

func (h *terminalHost) Activate(id stepdeck.StepID, pos stepdeck.SubstepPos, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, _ := h.reg.IndexOf(id)
	line := fmt.Sprintf("[%s] %d/%d #%s", h.label, idx+1, h.reg.Len(), id)
	if title := h.titles[id]; title != "" {
		line += fmt.Sprintf(" %q", title)
	}
	if i, ok := pos.Index(); ok {
		slots := h.reg.SubstepsOf(id)
		refs := make([]string, 0, len(slots[i]))
		for _, s := range slots[i] {
			refs = append(refs, s.Ref)
		}
		line += fmt.Sprintf(" > %d/%d %s", i+1, len(slots), strings.Join(refs, ", "))
	}
	fmt.Fprintln(h.out, line)
}

// session owns the engine for the current deck. A deck reload replaces the
// engine and carries the position over.
type session struct {
	out       io.Writer
	transport stepdeck.Transport
	role      string
	offset    int
	debug     bool
	initial   stepdeck.StepID // Used when the deck names no initial step

	mu     sync.Mutex
	engine *stepdeck.Engine
	deck   *server.DeckResponse
}

func newSession(out io.Writer, t stepdeck.Transport, role string, offset int, debug bool) *session {
	return &session{out: out, transport: t, role: role, offset: offset, debug: debug}
}

// load builds an engine for deck, replacing the previous one.
func (s *session) load(deck *server.DeckResponse) (*stepdeck.Engine, error) {
	reg, err := stepdeck.NewRegistryFromIndex(deck.Index)
	if err != nil {
		return nil, err
	}

	label := s.role
	if s.offset > 0 {
		label = fmt.Sprintf("%s+%d", s.role, s.offset)
	}
	host := &terminalHost{out: s.out, label: label, reg: reg, titles: deck.Titles}

	initial := deck.Initial
	if initial == "" {
		initial = s.initial
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Close()
	}

	s.engine = stepdeck.NewEngine(reg, stepdeck.Options{
		Transport:   s.transport,
		Host:        host,
		Standalone:  s.role == transport.RolePresenter,
		Offset:      s.offset,
		InitialStep: stepdeck.ByName(initial),
		Debug:       s.debug,
	})
	s.deck = deck
	return s.engine, nil
}

func (s *session) current() (*stepdeck.Engine, *server.DeckResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine, s.deck
}

// execute runs one presenter command line. It reports whether the session
// should end.
func (s *session) execute(line string) (bool, error) {
	e, deck := s.current()
	if e == nil {
		return false, fmt.Errorf("no deck loaded")
	}

	fields := strings.Fields(line)
	cmd := ""
	if len(fields) > 0 {
		cmd = fields[0]
	}

	switch cmd {
	case "", "n", "next":
		if _, ok := e.Next(); !ok {
			return false, fmt.Errorf("cannot advance before the deck starts")
		}
	case "p", "prev":
		if _, ok := e.Prev(); !ok {
			return false, fmt.Errorf("cannot go back before the deck starts")
		}
	case "g", "goto":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: g <step id or number>")
		}
		if _, ok := e.Goto(parseTarget(fields[1]), 0); !ok {
			return false, fmt.Errorf("no step %q", fields[1])
		}
	case "s", "substep":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: s <substep number, 0 to reset>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid substep %q", fields[1])
		}
		pos := stepdeck.Unengaged
		if n > 0 {
			pos = stepdeck.At(n - 1)
		}
		if _, ok := e.GotoSubstep(stepdeck.NoTarget, pos, 0); !ok {
			return false, fmt.Errorf("no substep %d on #%s", n, e.Position().Step)
		}
	case "l", "list":
		s.list(e, deck)
	case "w", "where":
		fmt.Fprintf(s.out, "at %s\n", e.Position())
	case "q", "quit", "exit":
		return true, nil
	case "h", "help", "?":
		fmt.Fprintln(s.out, "n/<enter> next, p prev, g <id|n> goto, s <n> substep, l list, w where, q quit")
	default:
		return false, fmt.Errorf("unknown command %q (h for help)", cmd)
	}
	return false, nil
}

// parseTarget reads a 1-based step number (negative counts from the end)
// or a step id.
func parseTarget(arg string) stepdeck.Target {
	if n, err := strconv.Atoi(arg); err == nil {
		if n > 0 {
			return stepdeck.ByIndex(n - 1)
		}
		if n < 0 {
			return stepdeck.ByIndex(n)
		}
	}
	return stepdeck.ByName(stepdeck.StepID(strings.TrimPrefix(arg, "#")))
}

func (s *session) list(e *stepdeck.Engine, deck *server.DeckResponse) {
	reg := e.Registry()
	active := e.State().Active
	for i, id := range reg.Steps() {
		marker := " "
		if id == active {
			marker = ">"
		}
		title := ""
		if t := deck.Titles[id]; t != "" {
			title = " " + strconv.Quote(t)
		}
		fmt.Fprintf(s.out, "%s %2d #%s%s (%d substeps)\n", marker, i+1, id, title, len(reg.SubstepsOf(id)))
	}
}

// httpBase turns a relay URL into the base URL for its HTTP endpoints
func httpBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/ws"), "/")
	u.RawQuery = ""
	return u.String(), nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %s: %s", endpoint, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", endpoint, err)
	}
	return nil
}

// fetchDeck downloads the relay's current deck index
func fetchDeck(ctx context.Context, base string) (*server.DeckResponse, error) {
	var deck server.DeckResponse
	if err := getJSON(ctx, base+"/deck", &deck); err != nil {
		return nil, fmt.Errorf("failed to fetch deck: %w", err)
	}
	return &deck, nil
}

// roomLast returns the room's last relayed goto, or nil when the room has
// no position yet.
func roomLast(ctx context.Context, base, room string) (*stepdeck.GotoEvent, error) {
	var rooms []server.RoomSummary
	if err := getJSON(ctx, base+"/rooms", &rooms); err != nil {
		return nil, err
	}
	for _, r := range rooms {
		if r.Room == room {
			return r.Last, nil
		}
	}
	return nil, nil
}
