// Package llm carries model output into a session as ordered text chunks.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"patchwork/internal/approval"
)

// Stream yields the chunks of one model response. Recv returns io.EOF after
// the last chunk.
type Stream interface {
	Recv(ctx context.Context) (string, error)
}

// Sink receives a turn's chunks. *session.Controller satisfies it.
type Sink interface {
	Ingest(turnID, chunk string) (approval.State, error)
	Finish(ctx context.Context, turnID string, streamErr error) (approval.State, error)
}

// Relay copies stream into turnID in arrival order and signals the end of
// stream. A failed stream, including a cancelled ctx, ends the turn with the
// failure so the partial batch is discarded.
func Relay(ctx context.Context, sink Sink, turnID string, stream Stream) (approval.State, error) {
	for {
		var chunk string
		err := ctx.Err()
		if err == nil {
			chunk, err = stream.Recv(ctx)
		}
		if errors.Is(err, io.EOF) {
			return sink.Finish(ctx, turnID, nil)
		}
		if err != nil {
			state, finishErr := sink.Finish(context.WithoutCancel(ctx), turnID, err)
			if finishErr != nil {
				return state, fmt.Errorf("stream failed (%v): %w", err, finishErr)
			}
			return state, err
		}
		if chunk == "" {
			continue
		}
		if state, err := sink.Ingest(turnID, chunk); err != nil {
			return state, err
		}
	}
}

// ReaderStream cuts an io.Reader into chunks of at most size bytes.
type ReaderStream struct {
	r    io.Reader
	buf  []byte
	done bool
}

// NewReaderStream returns a stream over r. size <= 0 means 64 bytes.
func NewReaderStream(r io.Reader, size int) *ReaderStream {
	if size <= 0 {
		size = 64
	}
	return &ReaderStream{r: r, buf: make([]byte, size)}
}

// Recv reads the next chunk.
func (s *ReaderStream) Recv(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.done {
		return "", io.EOF
	}
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return "", io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		return string(s.buf[:n]), nil
	case err != nil:
		return "", err
	}
	return string(s.buf[:n]), nil
}
