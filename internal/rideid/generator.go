package rideid

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	defaultPrefix  = "RID"
	defaultFloor   = 100000
	defaultCeiling = 999999
)

// Generator mints human-readable ride IDs from a durable monotonic counter:
// prefix plus a 6-digit zero-padded sequence that wraps back to the floor
// after the ceiling. When the counter store is unreachable it degrades to a
// timestamp+random composite so ride creation is never blocked; that path
// is logged and counted because it sacrifices strict monotonicity.
type Generator struct {
	store   storage.CounterStore
	logger  *slog.Logger
	prefix  string
	floor   int64
	ceiling int64
}

func NewGenerator(store storage.CounterStore, logger *slog.Logger) *Generator {
	return &Generator{
		store:   store,
		logger:  logger,
		prefix:  defaultPrefix,
		floor:   defaultFloor,
		ceiling: defaultCeiling,
	}
}

// Next returns the next ride ID. It never fails.
func (g *Generator) Next(ctx context.Context) string {
	seq, err := g.store.NextSequence(ctx)
	if err != nil {
		g.logger.Warn("ride id counter unavailable, using degraded fallback", "error", err)
		observability.RideIDFallbacks.Inc()
		return g.fallback()
	}
	if seq > g.ceiling {
		if rerr := g.store.ResetSequence(ctx, g.floor); rerr != nil {
			g.logger.Warn("ride id counter reset failed", "error", rerr)
		}
		seq = g.floor
	}
	return fmt.Sprintf("%s%06d", g.prefix, seq)
}

// fallback is prefix + last 6 digits of unix millis + 3 random digits.
func (g *Generator) fallback() string {
	ms := time.Now().UnixMilli() % 1000000
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	var r int64
	if err == nil {
		r = n.Int64()
	}
	return fmt.Sprintf("%s%06d%03d", g.prefix, ms, r)
}
