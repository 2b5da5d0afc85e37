package process

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/sandboxd/internal/provider"
)

func TestLogBuffer_SlowFollowerLossIsReported(t *testing.T) {
	b := newLogBuffer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := b.stream(ctx, true)

	// Nobody reads while the command writes, so the follower overflows.
	const total = 1000
	for i := 0; i < total; i++ {
		b.append(provider.OutputChunk{Stream: provider.StreamStdout, Data: []byte("x\n")})
	}
	b.close()

	var delivered, reports int
	for c := range out {
		switch c.Stream {
		case provider.StreamStdout:
			delivered++
		case provider.StreamError:
			reports++
			if !strings.Contains(string(c.Data), "chunks dropped") {
				t.Errorf("loss report = %q", c.Data)
			}
		}
	}

	if b.Dropped() == 0 {
		t.Fatal("Dropped = 0, want chunks lost by the slow follower")
	}
	if reports == 0 {
		t.Error("follower was not told about the lost chunks")
	}
	if got := int64(delivered) + b.Dropped(); got != total {
		t.Errorf("delivered + dropped = %d, want %d", got, total)
	}
}

func TestLogBuffer_FollowerKeepingUpLosesNothing(t *testing.T) {
	b := newLogBuffer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := b.stream(ctx, true)
	for i := 0; i < 10; i++ {
		b.append(provider.OutputChunk{Stream: provider.StreamStdout, Data: []byte("x\n")})
	}
	b.close()

	n := 0
	for c := range out {
		if c.Stream != provider.StreamStdout {
			t.Errorf("unexpected %s chunk %q", c.Stream, c.Data)
		}
		n++
	}
	if n != 10 || b.Dropped() != 0 {
		t.Errorf("delivered = %d, dropped = %d, want 10 and 0", n, b.Dropped())
	}
}
