package rideid

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingCounter struct{}

func (f *failingCounter) NextSequence(ctx context.Context) (int64, error) {
	return 0, errors.New("counter down")
}
func (f *failingCounter) ResetSequence(ctx context.Context, to int64) error { return nil }

type fixedCounter struct{ seq int64 }

func (f *fixedCounter) NextSequence(ctx context.Context) (int64, error)   { return f.seq, nil }
func (f *fixedCounter) ResetSequence(ctx context.Context, to int64) error { f.seq = to; return nil }

func TestNextConcurrentUnique(t *testing.T) {
	g := NewGenerator(storage.NewMemoryStore(), testLogger())
	const n = 1000

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = g.Next(context.Background())
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		if !strings.HasPrefix(id, "RID") || len(id) != 9 {
			t.Fatalf("unexpected id shape: %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNextSequentialShape(t *testing.T) {
	g := NewGenerator(storage.NewMemoryStore(), testLogger())
	first := g.Next(context.Background())
	second := g.Next(context.Background())
	if first != "RID100001" || second != "RID100002" {
		t.Fatalf("expected RID100001, RID100002; got %s, %s", first, second)
	}
}

func TestNextFallbackWhenCounterDown(t *testing.T) {
	g := NewGenerator(&failingCounter{}, testLogger())
	id := g.Next(context.Background())
	if !strings.HasPrefix(id, "RID") {
		t.Fatalf("fallback id missing prefix: %q", id)
	}
	// prefix + 6 timestamp digits + 3 random digits
	if len(id) != 12 {
		t.Fatalf("fallback id wrong length: %q", id)
	}
}

func TestNextWrapsAtCeiling(t *testing.T) {
	c := &fixedCounter{seq: 1000000}
	g := NewGenerator(c, testLogger())
	id := g.Next(context.Background())
	if id != "RID100000" {
		t.Fatalf("expected wrap to floor, got %q", id)
	}
	if c.seq != 100000 {
		t.Fatalf("expected counter reset to floor, got %d", c.seq)
	}
}
