package policy

import (
	"errors"
	"fmt"
	"sync"
)

// FileReloader rebuilds the registry from a policy file. A failing reload
// keeps the snapshot currently served.
type FileReloader struct {
	mu       sync.Mutex
	path     string
	opts     BuildOptions
	registry *Registry
}

func NewFileReloader(path string, opts BuildOptions, registry *Registry) (*FileReloader, error) {
	if path == "" {
		return nil, errors.New("policy file path is required")
	}
	if registry == nil {
		return nil, errors.New("policy registry is required")
	}
	return &FileReloader{path: path, opts: opts, registry: registry}, nil
}

// Reload returns the number of policies now served.
func (f *FileReloader) Reload() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := LoadFile(f.path, f.opts)
	if err != nil {
		return 0, fmt.Errorf("reload %s: %w", f.path, err)
	}
	if err := f.registry.Reload(next); err != nil {
		return 0, err
	}
	return len(next.Policies()), nil
}
