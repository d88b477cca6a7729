package worker

import (
	"os/exec"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Discoverer resolves the interpreter used to run the worker script.
// The first candidate found on PATH wins; when none is found the fallback is
// used as-is and left for the OS to resolve at launch time.
type Discoverer struct {
	candidates []string
	fallback   string
	lookPath   func(string) (string, error)

	group    singleflight.Group
	mu       sync.Mutex
	resolved string
}

// NewDiscoverer creates a discoverer over the given candidates.
func NewDiscoverer(candidates []string, fallback string) *Discoverer {
	return &Discoverer{
		candidates: candidates,
		fallback:   fallback,
		lookPath:   exec.LookPath,
	}
}

// Interpreter returns the resolved interpreter, discovering it on first use.
// Concurrent first calls share one discovery.
func (d *Discoverer) Interpreter() string {
	d.mu.Lock()
	if d.resolved != "" {
		defer d.mu.Unlock()
		return d.resolved
	}
	d.mu.Unlock()

	v, _, _ := d.group.Do("interpreter", func() (interface{}, error) {
		name := d.discover()
		d.mu.Lock()
		d.resolved = name
		d.mu.Unlock()
		return name, nil
	})
	return v.(string)
}

// Reset forgets the cached interpreter.
func (d *Discoverer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolved = ""
}

func (d *Discoverer) discover() string {
	for _, name := range d.candidates {
		if _, err := d.lookPath(name); err == nil {
			return name
		}
	}
	return d.fallback
}
