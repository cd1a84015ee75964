package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
}

// TreeEntry is one regular file in a snapshot.
type TreeEntry struct {
	Path string      `cbor:"1,keyasint"`
	Blob Hash        `cbor:"2,keyasint"`
	Mode fs.FileMode `cbor:"3,keyasint"`
	Size int64       `cbor:"4,keyasint"`
}

type tree struct {
	Entries []TreeEntry `cbor:"1,keyasint"`
}

func encodeTree(entries []TreeEntry) ([]byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return encMode.Marshal(tree{Entries: sorted})
}

func decodeTree(data []byte) ([]TreeEntry, error) {
	var t tree
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return t.Entries, nil
}

// ignoreSet decides which paths are outside version control.
type ignoreSet struct {
	names    map[string]struct{}
	prefixes []string
}

func newIgnoreSet(entries []string) ignoreSet {
	set := ignoreSet{names: map[string]struct{}{}}
	for _, e := range entries {
		e = strings.Trim(filepath.ToSlash(strings.TrimSpace(e)), "/")
		if e == "" || e == "." {
			continue
		}
		if strings.Contains(e, "/") {
			set.prefixes = append(set.prefixes, e)
			continue
		}
		set.names[e] = struct{}{}
	}
	return set
}

// match reports whether rel or any of its parents is ignored.
func (s ignoreSet) match(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if _, ok := s.names[seg]; ok {
			return true
		}
	}
	for _, p := range s.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// fileState is a working-tree file as seen by a walk.
type fileState struct {
	abs  string
	mode fs.FileMode
	size int64
}

// walkTree lists regular files under root. Symlinks and ignored paths are
// skipped; directories are implied by their files.
func walkTree(root string, ignore ignoreSet) (map[string]fileState, error) {
	files := make(map[string]fileState)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore.match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files[rel] = fileState{abs: p, mode: info.Mode().Perm(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk working tree: %w", err)
	}
	return files, nil
}

// pruneParents removes the now-empty directories above rel, stopping at
// the first one that still has content.
func pruneParents(root, rel string) {
	dir := filepath.Dir(filepath.Join(root, filepath.FromSlash(rel)))
	for dir != root && strings.HasPrefix(dir, root+string(os.PathSeparator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
