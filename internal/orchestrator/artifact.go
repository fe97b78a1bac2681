package orchestrator

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/criteo/newman-server/internal/reporter"
)

// ArtifactState tracks a report file through delivery.
type ArtifactState int

const (
	Created ArtifactState = iota
	Delivering
	Deleted
)

func (s ArtifactState) String() string {
	switch s {
	case Created:
		return "created"
	case Delivering:
		return "delivering"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Artifact is a report file owned by exactly one request.
type Artifact struct {
	Path string
	Kind reporter.Kind

	mu    sync.Mutex
	state ArtifactState
	once  sync.Once
	err   error
}

func newArtifact(t *ExportTarget) *Artifact {
	return &Artifact{Path: t.Path, Kind: t.Kind}
}

// State returns the current lifecycle state.
func (a *Artifact) State() ArtifactState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Artifact) setState(s ArtifactState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Remove deletes the file. Only the first call touches the filesystem;
// later calls return the same result. A file that is already gone counts
// as removed.
func (a *Artifact) Remove() error {
	a.once.Do(func() {
		a.err = removeFile(a.Path)
		a.setState(Deleted)
	})
	return a.err
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &FilesystemError{Op: "remove", Path: path, Err: err}
	}
	return nil
}
