// Package guard applies the per-connection rate limit and global content
// deduplication that run before a follow-up is persisted.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gosuda/followup/internal/domain"
)

const (
	DefaultRateWindow = 3 * time.Second
	DefaultDedupTTL   = time.Hour
)

// Guard checks inbound follow-ups against a shared counter/flag store. It
// holds no in-process state; atomicity comes from the store.
type Guard struct {
	store      domain.CounterStore
	rateWindow time.Duration
	dedupTTL   time.Duration
}

// New creates a Guard. Non-positive durations fall back to the defaults.
func New(store domain.CounterStore, rateWindow, dedupTTL time.Duration) *Guard {
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Guard{store: store, rateWindow: rateWindow, dedupTTL: dedupTTL}
}

// RateCheck counts a send from connID. It returns domain.ErrRateLimited once
// more than one send lands in the same window.
func (g *Guard) RateCheck(ctx context.Context, connID string) error {
	n, err := g.store.IncrWithTTL(ctx, RateKey(connID), g.rateWindow)
	if err != nil {
		return fmt.Errorf("guard.Guard.RateCheck: %w", err)
	}
	if n > 1 {
		return domain.ErrRateLimited
	}
	return nil
}

// DedupCheck marks normalized text as seen. It returns domain.ErrDuplicate if
// the marker was already live.
func (g *Guard) DedupCheck(ctx context.Context, normalized string) error {
	set, err := g.store.SetIfAbsent(ctx, DedupKey(normalized), g.dedupTTL)
	if err != nil {
		return fmt.Errorf("guard.Guard.DedupCheck: %w", err)
	}
	if !set {
		return domain.ErrDuplicate
	}
	return nil
}

// ReleaseDedup clears the marker for normalized text so an identical retry is
// accepted again. Used when the follow-up could not be persisted.
func (g *Guard) ReleaseDedup(ctx context.Context, normalized string) error {
	if err := g.store.Delete(ctx, DedupKey(normalized)); err != nil {
		return fmt.Errorf("guard.Guard.ReleaseDedup: %w", err)
	}
	return nil
}

// Normalize trims every item, drops empty ones and joins the rest with single
// spaces.
func Normalize(items []string) string {
	kept := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			kept = append(kept, item)
		}
	}
	return strings.Join(kept, " ")
}

// RateKey returns the counter key for a connection.
func RateKey(connID string) string {
	return "rate:" + connID
}

// DedupKey returns the marker key for normalized text.
func DedupKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return "hash:" + hex.EncodeToString(sum[:])
}
