package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/odinfed/odinfed-go/internal/cache"
	"github.com/odinfed/odinfed-go/internal/cache/memory"
)

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := memory.New(time.Minute, 0)
	defer c.Close()

	if _, err := c.Get(ctx, "missing"); err != cache.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("got %q", got)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); err != cache.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	c := memory.New(time.Minute, 0)
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); err != cache.ErrNotFound {
		t.Errorf("expected expiry, got %v", err)
	}
}
