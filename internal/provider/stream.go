package provider

import (
	"context"
	"time"
)

// ExecStream runs a command and writes its output to out as it is produced.
// Providers that do not implement StreamExecer fall back to Exec, and their
// buffered output is emitted once the command finishes. out is never closed here.
func ExecStream(ctx context.Context, p Provider, containerID string, req ExecRequest, out chan<- OutputChunk) (*ExecResult, error) {
	if se, ok := p.(StreamExecer); ok {
		return se.ExecStream(ctx, containerID, req, out)
	}

	res, err := p.Exec(ctx, containerID, req)
	if err != nil {
		return nil, err
	}
	if res.Stdout != "" {
		Send(ctx, out, OutputChunk{Timestamp: time.Now().UTC(), Stream: StreamStdout, Data: []byte(res.Stdout)})
	}
	if res.Stderr != "" {
		Send(ctx, out, OutputChunk{Timestamp: time.Now().UTC(), Stream: StreamStderr, Data: []byte(res.Stderr)})
	}
	return res, nil
}

// Send delivers a chunk unless ctx is done first. It reports whether the chunk was delivered.
func Send(ctx context.Context, out chan<- OutputChunk, c OutputChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ChunkWriter adapts an output channel to io.Writer for exec.Cmd.
type ChunkWriter struct {
	ctx    context.Context
	out    chan<- OutputChunk
	stream StreamKind
}

// NewChunkWriter returns an io.Writer that forwards each write as one chunk.
func NewChunkWriter(ctx context.Context, out chan<- OutputChunk, stream StreamKind) *ChunkWriter {
	return &ChunkWriter{ctx: ctx, out: out, stream: stream}
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	Send(w.ctx, w.out, OutputChunk{Timestamp: time.Now().UTC(), Stream: w.stream, Data: data})
	return len(p), nil
}
