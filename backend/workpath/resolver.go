// Package workpath locates the writable directory shared by every process of
// the application for its lock and status files.
package workpath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// UnresolvableLocationError is returned when none of the candidate roots can
// hold the work directory.
type UnresolvableLocationError struct {
	App   string
	Tried []string
}

func (e *UnresolvableLocationError) Error() string {
	return fmt.Sprintf("no writable work directory for %q (tried %s)", e.App, strings.Join(e.Tried, ", "))
}

// DefaultCandidates returns the roots probed when no override is configured.
// Shared-memory mounts come first.
func DefaultCandidates() []string {
	return []string{"/dev/shm", "/run/shm", os.TempDir()}
}

// Resolver finds and caches the work directory.
type Resolver struct {
	appName    string
	candidates []string

	mu       sync.Mutex
	resolved string
}

// New creates a resolver. Extra candidates are probed before the defaults.
func New(appName string, extra ...string) *Resolver {
	candidates := make([]string, 0, len(extra)+3)
	candidates = append(candidates, extra...)
	candidates = append(candidates, DefaultCandidates()...)
	return NewWithCandidates(appName, candidates)
}

// NewWithCandidates creates a resolver that only probes the given roots.
func NewWithCandidates(appName string, candidates []string) *Resolver {
	return &Resolver{
		appName:    appName,
		candidates: candidates,
	}
}

// Resolve returns the application's work directory, creating it under the
// first usable candidate root.
func (r *Resolver) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != "" {
		return r.resolved, nil
	}

	sub := Sanitize(r.appName)
	var tried []string
	for _, root := range r.candidates {
		if root == "" {
			continue
		}
		tried = append(tried, root)

		dir := filepath.Join(root, sub)
		if err := usable(root, dir); err != nil {
			continue
		}
		r.resolved = dir
		return dir, nil
	}

	return "", &UnresolvableLocationError{App: r.appName, Tried: tried}
}

// PathFor joins the work directory with name.
func (r *Resolver) PathFor(name string) (string, error) {
	dir, err := r.Resolve()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func usable(root, dir string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	if err := checkWritable(root); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_, werr := probe.WriteString("probe")
	cerr := probe.Close()
	rerr := os.Remove(name)
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}
	return rerr
}

// Sanitize turns an application name into a safe directory name.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "app"
	}
	return out
}
