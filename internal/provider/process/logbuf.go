package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/sandboxd/internal/provider"
)

// maxLogChunks bounds the retained output of one workspace.
const maxLogChunks = 2000

// logBuffer keeps recent output and fans new chunks out to followers.
// A follower that falls behind loses chunks instead of stalling the command;
// the loss is counted, logged and reported to it as a StreamError chunk.
type logBuffer struct {
	logger *slog.Logger

	mu     sync.Mutex
	chunks []provider.OutputChunk
	subs   map[chan provider.OutputChunk]*atomic.Int64
	closed bool

	dropped atomic.Int64
}

func newLogBuffer(logger *slog.Logger) *logBuffer {
	return &logBuffer{
		logger: logger,
		subs:   make(map[chan provider.OutputChunk]*atomic.Int64),
	}
}

// Dropped returns how many chunks followers have lost in total.
func (b *logBuffer) Dropped() int64 { return b.dropped.Load() }

func (b *logBuffer) append(c provider.OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.chunks = append(b.chunks, c)
	if len(b.chunks) > maxLogChunks {
		b.chunks = append(b.chunks[:0], b.chunks[len(b.chunks)-maxLogChunks:]...)
	}
	for sub, lost := range b.subs {
		select {
		case sub <- c:
		default:
			lost.Add(1)
			b.dropped.Add(1)
		}
	}
}

// stream replays the buffer and, with follow, keeps delivering until ctx is
// done or the buffer is closed.
func (b *logBuffer) stream(ctx context.Context, follow bool) <-chan provider.OutputChunk {
	out := make(chan provider.OutputChunk, 64)

	b.mu.Lock()
	backlog := append([]provider.OutputChunk(nil), b.chunks...)
	var sub chan provider.OutputChunk
	lost := new(atomic.Int64)
	if follow && !b.closed {
		sub = make(chan provider.OutputChunk, 256)
		b.subs[sub] = lost
	}
	b.mu.Unlock()

	go func() {
		defer close(out)
		if sub != nil {
			defer b.unsubscribe(sub)
		}
		for _, c := range backlog {
			if !provider.Send(ctx, out, c) {
				return
			}
		}
		if sub == nil {
			return
		}
		for {
			select {
			case c, ok := <-sub:
				if !b.reportLoss(ctx, out, lost) {
					return
				}
				if !ok {
					return
				}
				if !provider.Send(ctx, out, c) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// reportLoss tells a follower how many chunks it missed since the last report.
func (b *logBuffer) reportLoss(ctx context.Context, out chan<- provider.OutputChunk, lost *atomic.Int64) bool {
	n := lost.Swap(0)
	if n == 0 {
		return true
	}
	if b.logger != nil {
		b.logger.WarnContext(ctx, "log follower fell behind", slog.Int64("dropped_chunks", n))
	}
	return provider.Send(ctx, out, provider.OutputChunk{
		Timestamp: time.Now().UTC(),
		Stream:    provider.StreamError,
		Data:      []byte(fmt.Sprintf("log follower fell behind: %d chunks dropped\n", n)),
	})
}

func (b *logBuffer) unsubscribe(sub chan provider.OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// close ends every follower stream.
func (b *logBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}
