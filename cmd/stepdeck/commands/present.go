package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/livetemplate/stepdeck"
	"github.com/livetemplate/stepdeck/internal/config"
	"github.com/livetemplate/stepdeck/internal/transport"
)

// clientFlags are the flags shared by present and follow
type clientFlags struct {
	url        string
	room       string
	offset     *int
	configPath string
	debug      bool
}

func parseClientFlags(args []string) (clientFlags, error) {
	var f clientFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--room" || arg == "-r" {
			if i+1 < len(args) {
				f.room = args[i+1]
				i++
			}
		} else if arg == "--offset" {
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil {
					return f, fmt.Errorf("invalid offset: %s", args[i+1])
				}
				f.offset = &n
				i++
			}
		} else if arg == "--config" || arg == "-c" {
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		} else if arg == "--debug" {
			f.debug = true
		} else if !strings.HasPrefix(arg, "-") {
			f.url = arg
		}
	}
	if f.url == "" {
		return f, fmt.Errorf("relay url is required (e.g. http://localhost:8080)")
	}
	return f, nil
}

// connect loads config, dials the relay and builds the session's engine.
func connect(ctx context.Context, f clientFlags, role string, out io.Writer) (*session, *transport.Client, string, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load config: %w", err)
	}

	room := f.room
	if room == "" {
		room = cfg.Sync.GetRoom()
	}
	base, err := httpBase(f.url)
	if err != nil {
		return nil, nil, "", err
	}

	retry := transport.DefaultRetryConfig()
	retry.BaseDelay = cfg.Sync.GetReconnectDelay()
	retry.MaxRetries = cfg.Sync.GetMaxReconnects()

	client, err := transport.NewClient(transport.Options{
		URL:   f.url,
		Room:  room,
		Role:  role,
		Retry: retry,
		Debug: f.debug,

		SuppressEcho: role == transport.RolePresenter,
	})
	if err != nil {
		return nil, nil, "", err
	}

	deck, err := fetchDeck(ctx, base)
	if err != nil {
		return nil, nil, "", err
	}

	offset := resolveOffset(role, f.offset, cfg.Sync.GetOffset(), deck.Offset)
	s := newSession(out, client, role, offset, f.debug)
	s.initial = stepdeck.StepID(cfg.Sync.Initial)
	if _, err := s.load(deck); err != nil {
		return nil, nil, "", err
	}

	if err := client.Dial(ctx); err != nil {
		return nil, nil, "", err
	}

	client.OnReload(func(file string) {
		if err := s.reload(ctx, base, room); err != nil {
			log.Printf("[WS] Reload of %s failed: %v", file, err)
		}
	})

	return s, client, base, nil
}

// resolveOffset picks a follower's offset: --offset, then sync.offset, then
// the offset the deck suggests. Presenters never run ahead.
func resolveOffset(role string, flag *int, configured, suggested int) int {
	switch {
	case role == transport.RolePresenter:
		return 0
	case flag != nil:
		return max(*flag, 0)
	case configured > 0:
		return configured
	default:
		return max(suggested, 0)
	}
}

// reload fetches the changed deck and moves the new engine to where the
// old one was.
func (s *session) reload(ctx context.Context, base, room string) error {
	deck, err := fetchDeck(ctx, base)
	if err != nil {
		return err
	}

	old, _ := s.current()
	var prev stepdeck.Position
	if old != nil {
		prev = old.Position()
	}

	e, err := s.load(deck)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deck reloaded: %d steps\n", e.Registry().Len())

	if s.role == transport.RolePresenter {
		if prev.Step != "" {
			if _, ok := e.GotoSubstep(stepdeck.ByName(prev.Step), prev.Substep, 0); ok {
				return nil
			}
		}
		e.Start()
		return nil
	}

	last, err := roomLast(ctx, base, room)
	if err != nil {
		return err
	}
	if last != nil {
		e.Replicator().Apply(last)
	}
	return nil
}

// PresentCommand implements the present command.
func PresentCommand(args []string) error {
	f, err := parseClientFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, client, base, err := connect(ctx, f, transport.RolePresenter, os.Stdout)
	if err != nil {
		return err
	}
	defer client.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	// Resume the room where it is; a fresh room starts at the deck's initial step
	last, err := roomLast(ctx, base, client.Room())
	if err != nil {
		log.Printf("[WS] Could not read room state: %v", err)
	}
	s.resume(ctx, last, catchUpWait)

	fmt.Printf("Presenting room %q. Type h for help.\n", client.Room())
	return presentLoop(ctx, s, os.Stdin, runErr)
}

// catchUpWait bounds how long a presenter waits for the relay's catch-up goto
const catchUpWait = 2 * time.Second

// resume waits for the relay's catch-up to position the engine when the
// room has a stored position. A fresh room, or a catch-up the engine cannot
// apply, starts the deck instead.
func (s *session) resume(ctx context.Context, last *stepdeck.GotoEvent, wait time.Duration) {
	e, _ := s.current()
	if last != nil && e.Registry().Has(last.Step) {
		started := make(chan struct{}, 1)
		cancel := e.Subscribe(func(stepdeck.Change) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		if !e.State().Started() {
			select {
			case <-started:
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}
		cancel()
	}

	if !e.State().Started() {
		if last != nil {
			log.Printf("[Sync] Room position #%s could not be restored, starting the deck", last.Step)
		}
		e.Start()
	}
}

// presentLoop reads commands from in until quit, EOF, cancellation or a
// transport failure.
func presentLoop(ctx context.Context, s *session, in io.Reader, runErr <-chan error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.execute(line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
