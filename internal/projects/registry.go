// Package projects implements the project registry described in spec.md
// §3: a named set of project root paths with registration and
// last-session timestamps, persisted as a single JSON document and
// rewritten in full on every mutation (per spec.md §5's "Projects
// registry" ownership row).
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashworth-labs/conductor/internal/statefile"
)

// BrainDirName is the per-project directory hosting pipeline artifacts.
const BrainDirName = ".brain"

// Project is one registered project: an absolute path with an optional
// unique short name, plus registry bookkeeping timestamps.
type Project struct {
	Path        string     `json:"path"`
	Name        string     `json:"name,omitempty"`
	Registered  time.Time  `json:"registered"`
	LastSession *time.Time `json:"lastSession"`
}

type stateDoc struct {
	Projects []Project `json:"projects"`
}

// Registry is the persisted, advisory-locked project registry.
type Registry struct {
	stateFile string
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a project registry persisting to stateFile.
func New(stateFile string, opts ...Option) *Registry {
	r := &Registry{stateFile: stateFile, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a project, failing if path or a non-empty name collides
// with an existing entry. Registered is stamped with now.
func (r *Registry) Register(path, name string) (Project, error) {
	var result Project
	err := statefile.WithLocked(r.stateFile, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		for _, p := range doc.Projects {
			if p.Path == path {
				return fmt.Errorf("project already registered at path %q", path)
			}
			if name != "" && p.Name == name {
				return fmt.Errorf("project name %q already in use", name)
			}
		}
		result = Project{Path: path, Name: name, Registered: r.now()}
		doc.Projects = append(doc.Projects, result)
		return statefile.WriteJSONAtomic(r.stateFile, doc)
	})
	return result, err
}

// Unregister removes the project matching path, returning an error if none
// is found.
func (r *Registry) Unregister(path string) error {
	return statefile.WithLocked(r.stateFile, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		kept := make([]Project, 0, len(doc.Projects))
		removed := false
		for _, p := range doc.Projects {
			if p.Path == path {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		if !removed {
			return fmt.Errorf("no project registered at path %q", path)
		}
		doc.Projects = kept
		return statefile.WriteJSONAtomic(r.stateFile, doc)
	})
}

// StampSession sets LastSession = now for the project at path.
func (r *Registry) StampSession(path string) error {
	return statefile.WithLocked(r.stateFile, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		now := r.now()
		found := false
		for i := range doc.Projects {
			if doc.Projects[i].Path == path {
				doc.Projects[i].LastSession = &now
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no project registered at path %q", path)
		}
		return statefile.WriteJSONAtomic(r.stateFile, doc)
	})
}

// List returns all registered projects.
func (r *Registry) List() ([]Project, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]Project, len(doc.Projects))
	copy(out, doc.Projects)
	return out, nil
}

// ResolveName returns the absolute path registered under the given short
// name, or ok=false if no project carries that name. Used by the daemon
// assembly (cmd/conductord) to turn a trigger's project name into a project
// root before handing the binding to the heartbeat, and by the webhook
// ingester's resolver for repository short names.
func (r *Registry) ResolveName(name string) (path string, ok bool, err error) {
	doc, err := r.read()
	if err != nil {
		return "", false, err
	}
	for _, p := range doc.Projects {
		if p.Name == name {
			return p.Path, true, nil
		}
	}
	return "", false, nil
}

func (r *Registry) read() (*stateDoc, error) {
	var doc stateDoc
	err := statefile.ReadJSON(r.stateFile, &doc)
	if os.IsNotExist(err) {
		return &stateDoc{Projects: []Project{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DetectBrainRoot walks up from start looking for a ".brain" directory,
// returning the directory that contains it (the project root) and true on
// success. Adapted from the teacher's vault-root walk-up: stop at the
// filesystem root rather than looping forever on repos with no brain dir.
func DetectBrainRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, BrainDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
