package mockclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		chunk, err := s.Recv(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, chunk)
	}
}

func TestCutModes(t *testing.T) {
	text := "abcdefghij"

	got, err := drain(t, New(text))
	require.NoError(t, err)
	assert.Equal(t, []string{text}, got)

	got, err = drain(t, New(text, ChunkSize(4)))
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)

	got, err = drain(t, New(text, SplitAt(3, 3, 7, 99)))
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "defg", "hij"}, got)

	a := New(text, RandomChunks(7, 3)).Chunks()
	b := New(text, RandomChunks(7, 3)).Chunks()
	assert.Equal(t, a, b)
	assert.Equal(t, text, strings.Join(a, ""))
	for _, c := range a {
		assert.LessOrEqual(t, len(c), 3)
	}
}

func TestFailAfter(t *testing.T) {
	boom := errors.New("connection reset")
	got, err := drain(t, New("abcdef", ChunkSize(2), FailAfter(2, boom)))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"ab", "cd"}, got)
}

func TestRecvHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("x").Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
