// Package protocol tracks the lifecycle of a single SPIDER run and records
// what it did in a YAML manifest next to its files.
package protocol

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// State is a lifecycle step of a run.
type State string

const (
	StateCreated         State = "created"
	StateInputsConverted State = "inputs-converted"
	StateScriptsWritten  State = "scripts-written"
	StateToolExecuted    State = "tool-executed"
	StateOutputsParsed   State = "outputs-parsed"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// order lists the forward path; Failed may follow any non-terminal state.
var order = []State{
	StateCreated,
	StateInputsConverted,
	StateScriptsWritten,
	StateToolExecuted,
	StateOutputsParsed,
	StateDone,
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ErrTransition is returned for a transition that skips or repeats a state.
var ErrTransition = errors.New("invalid state transition")

// Transition is one recorded state change.
type Transition struct {
	From State     `yaml:"from"`
	To   State     `yaml:"to"`
	At   time.Time `yaml:"at"`
}

// Run is one execution of an adapter inside its own working directory.
// A Run is not safe for concurrent use.
type Run struct {
	ID       string
	Adapter  string
	Dir      string
	Manifest *Manifest

	state State
	log   *zap.Logger
	now   func() time.Time
}

// NewRun creates the working directory root/<adapter>-<short id> and a run
// in StateCreated. When dir is not empty it is used as is.
func NewRun(adapter, root, dir string, log *zap.Logger) (*Run, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New().String()
	if dir == "" {
		dir = filepath.Join(root, adapter+"-"+id[:8])
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create run directory %s", dir)
	}

	r := &Run{
		ID:      id,
		Adapter: adapter,
		Dir:     dir,
		state:   StateCreated,
		log:     log.With(zap.String("run", id), zap.String("adapter", adapter)),
		now:     time.Now,
	}
	r.Manifest = &Manifest{
		RunID:   id,
		Adapter: adapter,
		Dir:     dir,
		State:   StateCreated,
		Started: r.now().UTC(),
		Outputs: map[string]string{},
	}
	r.log.Info("run created", zap.String("dir", dir))
	return r, nil
}

// State returns the current state.
func (r *Run) State() State { return r.state }

// Log returns the run's logger, tagged with run id and adapter.
func (r *Run) Log() *zap.Logger { return r.log }

// Path joins parts under the run directory.
func (r *Run) Path(parts ...string) string {
	return filepath.Join(append([]string{r.Dir}, parts...)...)
}

// Advance moves to next, which must directly follow the current state.
func (r *Run) Advance(next State) error {
	if r.state.Terminal() {
		return errors.Wrapf(ErrTransition, "%s -> %s: run already finished", r.state, next)
	}
	cur := slices.Index(order, r.state)
	if next != StateFailed && (cur < 0 || cur+1 >= len(order) || order[cur+1] != next) {
		return errors.Wrapf(ErrTransition, "%s -> %s", r.state, next)
	}
	r.Manifest.History = append(r.Manifest.History, Transition{From: r.state, To: next, At: r.now().UTC()})
	r.log.Info("run state changed", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	r.Manifest.State = next
	if next.Terminal() {
		r.Manifest.Finished = r.now().UTC()
	}
	return nil
}

// Fail moves the run to StateFailed, records err and returns it unchanged.
func (r *Run) Fail(err error) error {
	if r.state.Terminal() {
		return err
	}
	r.Manifest.Error = err.Error()
	r.Manifest.ErrorCode = string(toolerr.Classify(err))
	if aerr := r.Advance(StateFailed); aerr != nil {
		r.log.Warn("cannot mark run failed", zap.Error(aerr))
	}
	r.log.Error("run failed", zap.Error(err))
	return err
}

// Step runs fn and advances to next on success; on error the run fails.
func (r *Run) Step(next State, fn func() error) error {
	if err := fn(); err != nil {
		return r.Fail(err)
	}
	if err := r.Advance(next); err != nil {
		return r.Fail(err)
	}
	return nil
}

// RecordScript adds a written script and its digest to the manifest.
func (r *Run) RecordScript(path string) error {
	sum, err := script.Digest(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(r.Dir, path)
	if err != nil {
		rel = path
	}
	r.Manifest.Scripts = append(r.Manifest.Scripts, ScriptRecord{Path: rel, Blake3: sum})
	return nil
}

// RecordOutput names a produced file in the manifest.
func (r *Run) RecordOutput(name, path string) {
	r.Manifest.Outputs[name] = path
}

// Finish advances to StateDone and writes the manifest. A failed run only
// writes the manifest.
func (r *Run) Finish() error {
	if r.state != StateFailed {
		if err := r.Advance(StateDone); err != nil {
			return r.Fail(err)
		}
	}
	return r.Manifest.Save(r.Path(ManifestFile))
}
