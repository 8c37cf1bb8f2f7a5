package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livetemplate/stepdeck"
)

func writeDeck(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "deck.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func countingLoader(calls *int32) LoadFunc {
	return func(path string) (*stepdeck.Deck, error) {
		atomic.AddInt32(calls, 1)
		return stepdeck.ParseDeckFile(path)
	}
}

func TestDeckCacheReusesParsedDeck(t *testing.T) {
	path := writeDeck(t, t.TempDir(), "# A {#a}\n# B {#b}\n")

	var calls int32
	c := newDeckCache(time.Minute, countingLoader(&calls), time.Hour)
	defer c.Stop()

	first, err := c.Get(path)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := c.Get(path)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if first != second {
		t.Error("Expected the cached entry to be returned")
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
	if first.Registry.Len() != 2 {
		t.Errorf("Registry.Len() = %d, want 2", first.Registry.Len())
	}
}

func TestDeckCacheReloadsOnModification(t *testing.T) {
	dir := t.TempDir()
	path := writeDeck(t, dir, "# A {#a}\n")

	var calls int32
	c := newDeckCache(time.Minute, countingLoader(&calls), time.Hour)
	defer c.Stop()

	if _, err := c.Get(path); err != nil {
		t.Fatal(err)
	}

	writeDeck(t, dir, "# A {#a}\n# B {#b}\n")
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	entry, err := c.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Registry.Len() != 2 {
		t.Errorf("expected reloaded deck with 2 steps, got %d", entry.Registry.Len())
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2", calls)
	}
}

func TestDeckCacheExpiration(t *testing.T) {
	path := writeDeck(t, t.TempDir(), "# A\n")

	var calls int32
	c := newDeckCache(10*time.Millisecond, countingLoader(&calls), time.Hour)
	defer c.Stop()

	if _, err := c.Get(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(path); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("loader called %d times after expiry, want 2", calls)
	}
}

func TestDeckCacheZeroTTLDisablesCaching(t *testing.T) {
	path := writeDeck(t, t.TempDir(), "# A\n")

	var calls int32
	c := newDeckCache(0, countingLoader(&calls), time.Hour)
	defer c.Stop()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(path); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 3 {
		t.Errorf("loader called %d times, want 3", calls)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestDeckCacheInvalidate(t *testing.T) {
	path := writeDeck(t, t.TempDir(), "# A\n")

	var calls int32
	c := newDeckCache(time.Minute, countingLoader(&calls), time.Hour)
	defer c.Stop()

	c.Get(path)
	c.Invalidate(path)
	if c.Len() != 0 {
		t.Errorf("Len() after Invalidate = %d, want 0", c.Len())
	}
	c.Get(path)
	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("Len() after InvalidateAll = %d, want 0", c.Len())
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2", calls)
	}
}

func TestDeckCacheErrors(t *testing.T) {
	dir := t.TempDir()
	c := NewDeckCache(time.Minute)
	defer c.Stop()

	if _, err := c.Get(filepath.Join(dir, "missing.md")); err == nil {
		t.Error("Expected error for missing deck")
	}

	path := writeDeck(t, dir, "# A {#a}\n# B {#a}\n")
	_, err := c.Get(path)
	if !errors.Is(err, stepdeck.ErrDuplicateStep) {
		t.Errorf("err = %v, want ErrDuplicateStep", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed loads must not be cached, Len() = %d", c.Len())
	}
}

func TestDeckCacheCleanup(t *testing.T) {
	path := writeDeck(t, t.TempDir(), "# A\n")

	c := newDeckCache(10*time.Millisecond, stepdeck.ParseDeckFile, 5*time.Millisecond)
	defer c.Stop()

	c.Get(path)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	time.Sleep(50 * time.Millisecond)
	if c.Len() != 0 {
		t.Errorf("Expected expired entry to be cleaned up, Len() = %d", c.Len())
	}
}

func TestDeckCacheStopTwice(t *testing.T) {
	c := NewDeckCache(time.Minute)
	c.Stop()
	c.Stop()
}
