package challenge

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("challenge not found")
	ErrDuplicateID = errors.New("duplicate challenge id")
)

// ParseError reports a manifest that could not be decoded or validated.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Path, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// Catalog is the read-only view of the loaded challenge definitions.
// Consumers should depend on this interface rather than the concrete Index.
type Catalog interface {
	Get(id string) (*Challenge, error)
	All() []*Challenge
}

// Compile-time check that Index implements Catalog.
var _ Catalog = (*Index)(nil)

type Index struct {
	mu     sync.RWMutex
	challs map[string]*Challenge
}

// NewIndex loads every manifest below baseDir. Top-level *.toml / *.yml / *.yaml
// files are read as a coalesced directory; nested directories contribute their
// challenge.{toml,yml,yaml}.
func NewIndex(baseDir string) (*Index, error) {
	idx := &Index{
		challs: make(map[string]*Challenge),
	}
	if err := idx.BuildIndex(baseDir); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewIndexFrom builds an Index from already decoded challenges.
func NewIndexFrom(challs ...*Challenge) (*Index, error) {
	idx := &Index{challs: make(map[string]*Challenge, len(challs))}
	for _, c := range challs {
		if _, ok := idx.challs[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
		idx.challs[c.ID] = c
	}
	return idx, nil
}

func (idx *Index) BuildIndex(baseDir string) error {
	challs := make(map[string]*Challenge)
	origin := make(map[string]string)
	var parseErrs []error

	root := filepath.Clean(baseDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isManifest(root, path, d.Name()) {
			return nil
		}
		chall, err := parseChallenge(path)
		if err != nil {
			parseErrs = append(parseErrs, &ParseError{Path: path, Err: err})
			return nil
		}
		if prev, ok := origin[chall.ID]; ok {
			return fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateID, chall.ID, prev, path)
		}
		challs[chall.ID] = chall
		origin[chall.ID] = path
		zap.S().Infof("Registered challenge: %s", chall.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if len(parseErrs) > 0 {
		return errors.Join(parseErrs...)
	}

	idx.mu.Lock()
	idx.challs = challs
	idx.mu.Unlock()
	return nil
}

func isManifest(root, path, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".toml" && ext != ".yml" && ext != ".yaml" {
		return false
	}
	if filepath.Dir(path) == root {
		return true
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) == "challenge"
}

func (idx *Index) Get(id string) (*Challenge, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	chall, ok := idx.challs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return chall, nil
}

func (idx *Index) All() []*Challenge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	challs := make([]*Challenge, 0, len(idx.challs))
	for _, ch := range idx.challs {
		challs = append(challs, ch)
	}
	sort.Slice(challs, func(i, j int) bool { return challs[i].ID < challs[j].ID })
	return challs
}

// CategoryCounts returns the number of indexed challenges per category.
func (idx *Index) CategoryCounts() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	counts := make(map[string]int)
	for _, ch := range idx.challs {
		counts[ch.Category]++
	}
	return counts
}
