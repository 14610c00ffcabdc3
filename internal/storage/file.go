package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"relaygroups/internal/proto"
)

const maxScanSize = 2 * proto.MaxFrameSize

// File keeps rows as JSON lines in one file, rewritten through a temp file
// and rename.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File {
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	return &File{path: path}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Load skips lines that do not parse, so a torn tail costs one row.
func (f *File) Load(ctx context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var out []Record
	sc := newScanner(fh)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil && r.Table != "" {
			out = append(out, r)
		}
	}
	return out, sc.Err()
}

func (f *File) Replace(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = fh.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return err
	}
	// close before rename; Windows refuses to rename an open file
	if err := fh.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	syncDir(f.path)
	return nil
}

func (f *File) Close() error { return nil }

func (f *File) String() string { return "file:" + f.path }
