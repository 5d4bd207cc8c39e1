// Package shots stores captured screenshots on disk under unique names so
// they can be served back immutably.
package shots

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned by Open for unknown filenames.
var ErrNotFound = errors.New("screenshot not found")

// URLPrefix is the path under which stored screenshots are served.
const URLPrefix = "/api/screenshots/"

// Store writes screenshots to a directory. Files are written once under an
// epoch-unique name and never modified.
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating screenshots dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes PNG bytes under a fresh unique name and returns the filename
// and its serving URL.
func (s *Store) Save(data []byte) (filename, url string, err error) {
	filename = fmt.Sprintf("screenshot-%d-%s.png", time.Now().UnixMilli(), randSuffix())
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing screenshot: %w", err)
	}
	return filename, URLPrefix + filename, nil
}

// Open returns a reader for a previously saved screenshot. Path traversal
// is rejected as not found.
func (s *Store) Open(filename string) (io.ReadCloser, error) {
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randSuffix() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}
