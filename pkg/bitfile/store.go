package bitfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no store holds the requested bitfile.
var ErrNotFound = errors.New("bitfile not found")

// Loader resolves a bitfile by its short name, e.g. "_27cxxx".
type Loader interface {
	Load(name string) (*Bitfile, error)
}

// Store loads "<name>.bit" files from a list of directories, first match wins.
type Store struct {
	Dirs []string
}

// NewStore creates a Store searching dirs in order.
func NewStore(dirs ...string) *Store {
	return &Store{Dirs: dirs}
}

func fileName(name string) string {
	if strings.HasSuffix(name, ".bit") {
		return name
	}
	return name + ".bit"
}

// Path returns the path of the first existing file for name.
func (s *Store) Path(name string) (string, error) {
	for _, dir := range s.Dirs {
		p := filepath.Join(dir, fileName(name))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "%s in %s", fileName(name), strings.Join(s.Dirs, string(os.PathListSeparator)))
}

// Load parses the bitfile for name.
func (s *Store) Load(name string) (*Bitfile, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return ParseFile(p)
}

// MemStore is an in-memory Loader.
type MemStore map[string]*Bitfile

// Load returns the bitfile registered under name.
func (m MemStore) Load(name string) (*Bitfile, error) {
	if bf, ok := m[strings.TrimSuffix(name, ".bit")]; ok {
		return bf, nil
	}
	return nil, errors.Wrap(ErrNotFound, fileName(name))
}

// Chain tries each loader in order and returns the first hit.
type Chain []Loader

// Load implements Loader.
func (c Chain) Load(name string) (*Bitfile, error) {
	for _, l := range c {
		bf, err := l.Load(name)
		if err == nil {
			return bf, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, errors.Wrap(ErrNotFound, fileName(name))
}
