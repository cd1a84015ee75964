package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"patchwork/internal/workspace"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// objectStore keeps compressed blobs under dir/xx/<hash>.
type objectStore struct {
	dir string
}

func (o objectStore) path(h Hash) string {
	s := h.String()
	return filepath.Join(o.dir, s[:2], s[2:])
}

func (o objectStore) has(h Hash) bool {
	_, err := os.Stat(o.path(h))
	return err == nil
}

// put stores data and returns its hash. Existing objects are not rewritten.
func (o objectStore) put(data []byte) (Hash, error) {
	h := hashBlob(data)
	if o.has(h) {
		return h, nil
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if err := workspace.WriteFileAtomic(o.path(h), compressed, 0o444); err != nil {
		return Hash{}, fmt.Errorf("store object %s: %w", h, err)
	}
	return h, nil
}

func (o objectStore) get(h Hash) ([]byte, error) {
	compressed, err := os.ReadFile(o.path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("object %s missing from store", h)
	}
	if err != nil {
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", h, err)
	}
	if hashBlob(data) != h {
		return nil, fmt.Errorf("object %s is corrupt", h)
	}
	return data, nil
}
