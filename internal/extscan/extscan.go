// Package extscan defines the contract for plugging external vulnerability
// scanners into a sweep. Integrations register themselves at init time; the
// scanner core only depends on the interface.
package extscan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmylchreest/specprobe/internal/models"
)

// Target describes what an external scanner should examine.
type Target struct {
	ServerURL string
	Snapshot  *models.SpecSnapshot
	Flags     models.ScanFlags
}

// Scanner is implemented by external scanner integrations. Scan returns
// findings in the same shape the built-in probes produce, so results merge
// without translation.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, target Target) ([]models.Finding, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Scanner)
)

// Register adds a scanner to the process-level registry. Registering two
// scanners under the same name is a programming error.
func Register(s Scanner) error {
	mu.Lock()
	defer mu.Unlock()
	name := s.Name()
	if name == "" {
		return fmt.Errorf("scanner has an empty name")
	}
	if _, exists := registry[name]; exists {
		return fmt.Errorf("scanner %q is already registered", name)
	}
	registry[name] = s
	return nil
}

// Lookup returns the scanner registered under name.
func Lookup(name string) (Scanner, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// Names lists the registered scanner names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
