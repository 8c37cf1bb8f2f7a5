package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/livetemplate/stepdeck/internal/config"
	"github.com/livetemplate/stepdeck/internal/server"
	"github.com/livetemplate/stepdeck/internal/store"
)

// ServeCommand implements the serve command.
func ServeCommand(args []string) error {
	target := "."
	var configPath string
	var port string
	var host string
	var storeDSN string
	var watch *bool
	var debug bool

	// Parse flags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--watch" || arg == "-w" {
			watchVal := true
			watch = &watchVal
		} else if arg == "--port" || arg == "-p" {
			if i+1 < len(args) {
				port = args[i+1]
				i++
			}
		} else if arg == "--host" {
			if i+1 < len(args) {
				host = args[i+1]
				i++
			}
		} else if arg == "--config" || arg == "-c" {
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		} else if arg == "--store" {
			if i+1 < len(args) {
				storeDSN = args[i+1]
				i++
			}
		} else if arg == "--debug" {
			debug = true
		} else if !strings.HasPrefix(arg, "-") {
			// Positional argument (deck file or directory)
			target = arg
		}
	}

	cfg, deckPath, err := resolveDeck(target, configPath)
	if err != nil {
		return err
	}

	// CLI flags override config
	if port != "" {
		portInt, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port: %s", port)
		}
		cfg.Server.Port = portInt
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if watch != nil {
		cfg.Features.HotReload = *watch
	}
	if storeDSN != "" {
		cfg.Store = storeFromDSN(storeDSN)
	}
	if debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	srv := server.New(deckPath, cfg, st)
	defer srv.Close()

	entry, err := srv.Deck()
	if err != nil {
		return err
	}

	fmt.Printf("stepdeck relay\n\n")
	fmt.Printf("Deck: %s\n", deckPath)
	if entry.Deck.Title != "" {
		fmt.Printf("Title: %s\n", entry.Deck.Title)
	}
	fmt.Printf("Steps: %d (%d transitions per cycle)\n", entry.Registry.Len(), entry.Registry.TotalSlots())
	fmt.Printf("Store: %s\n", cfg.Store.GetDriver())

	if cfg.Features.HotReload {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
		fmt.Printf("Watch mode enabled: followers reload when the deck changes\n")
	}

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("\nRelay running at ws://%s/ws?room=%s\n", addr, cfg.Sync.GetRoom())
	fmt.Printf("Deck index at http://%s/deck\n", addr)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// resolveDeck loads configuration and finds the deck for a serve target,
// which may be a deck file or a directory holding stepdeck.yaml.
func resolveDeck(target, configPath string) (*config.Config, string, error) {
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return nil, "", fmt.Errorf("deck or directory does not exist: %s", target)
	}
	if err != nil {
		return nil, "", err
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dir := absTarget
	if !info.IsDir() {
		dir = filepath.Dir(absTarget)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err == nil {
			fmt.Printf("Using config: %s\n", configPath)
		}
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}

	if info.IsDir() {
		return cfg, cfg.DeckPath(dir), nil
	}
	return cfg, absTarget, nil
}

// storeFromDSN picks the store driver from the shape of a --store value
func storeFromDSN(dsn string) config.StoreConfig {
	switch {
	case dsn == "memory":
		return config.StoreConfig{Driver: "memory"}
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return config.StoreConfig{Driver: "postgres", DSN: dsn}
	default:
		return config.StoreConfig{Driver: "sqlite", DSN: dsn}
	}
}

func init() {
	log.SetFlags(0) // Remove timestamp from logs
}
