package mockclient

import (
	"context"
	"io"
	"math/rand"
)

// Stream is a deterministic llm.Stream used for tests and demos. It replays
// a fixed response cut at configurable boundaries.
type Stream struct {
	chunks  []string
	next    int
	failAt  int
	failErr error
}

// Option configures a Stream.
type Option func(*config)

type config struct {
	size    int
	splits  []int
	seed    int64
	random  int
	failAt  int
	failErr error
}

// ChunkSize cuts the response every n bytes.
func ChunkSize(n int) Option {
	return func(c *config) { c.size = n }
}

// SplitAt cuts the response at the given byte offsets.
func SplitAt(offsets ...int) Option {
	return func(c *config) { c.splits = offsets }
}

// RandomChunks cuts the response into pieces of 1..limit bytes chosen by seed.
func RandomChunks(seed int64, limit int) Option {
	return func(c *config) {
		c.seed = seed
		c.random = limit
	}
}

// FailAfter makes Recv return err once n chunks were delivered.
func FailAfter(n int, err error) Option {
	return func(c *config) {
		c.failAt = n
		c.failErr = err
	}
}

// New returns a stream replaying text. Without options it is one chunk.
func New(text string, opts ...Option) *Stream {
	cfg := config{failAt: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Stream{chunks: cut(text, cfg), failAt: cfg.failAt, failErr: cfg.failErr}
	if s.failErr == nil {
		s.failAt = -1
	}
	return s
}

// Chunks returns the pieces the stream will deliver.
func (s *Stream) Chunks() []string {
	return append([]string(nil), s.chunks...)
}

// Recv satisfies llm.Stream.
func (s *Stream) Recv(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.next == s.failAt {
		return "", s.failErr
	}
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func cut(text string, cfg config) []string {
	var offsets []int
	switch {
	case len(cfg.splits) > 0:
		offsets = cfg.splits
	case cfg.random > 0:
		rng := rand.New(rand.NewSource(cfg.seed))
		for at := 0; at < len(text); {
			at += 1 + rng.Intn(cfg.random)
			offsets = append(offsets, at)
		}
	case cfg.size > 0:
		for at := cfg.size; at < len(text); at += cfg.size {
			offsets = append(offsets, at)
		}
	}

	var chunks []string
	prev := 0
	for _, at := range offsets {
		if at <= prev || at >= len(text) {
			continue
		}
		chunks = append(chunks, text[prev:at])
		prev = at
	}
	if prev < len(text) {
		chunks = append(chunks, text[prev:])
	}
	return chunks
}
