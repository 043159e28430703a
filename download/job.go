// Package download wraps one transfer run as a pausable, cancellable job with
// a small observable state machine.
package download

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanshare/models"
	"lanshare/transfer"
)

// State is the lifecycle stage of a job.
type State string

const (
	StateNew       State = "NEW"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// HistorySink persists completed downloads.
type HistorySink interface {
	Record(models.DownloadRecord) error
}

// Options describes one download job.
type Options struct {
	Client      *transfer.Client
	Peer        models.PeerIdentity
	RemotePath  string
	Destination string

	// History receives a record when the job completes. Optional.
	History HistorySink

	// OnState sees transitions in the order they happen, and the terminal one
	// before Done is closed. It must not call Start, Pause, Resume or Cancel.
	OnState    func(job *Job, state State)
	OnProgress func(job *Job, fraction float64)
	OnError    func(job *Job, err error)

	now func() time.Time
}

// Job runs one download in a background goroutine.
type Job struct {
	id   string
	opts Options
	gate *transfer.Gate
	log  *logrus.Entry
	done chan struct{}

	// transition serialises a state change with its notification.
	transition sync.Mutex

	mu       sync.Mutex
	state    State
	started  bool
	progress float64
	err      error
}

// New validates options and returns a job in StateNew.
func New(options Options) (*Job, error) {
	if options.Client == nil {
		return nil, errors.New("transfer client is required")
	}
	remote := strings.TrimSpace(options.RemotePath)
	if remote == "" {
		return nil, errors.New("remote path is required")
	}
	if strings.TrimSpace(options.Destination) == "" {
		return nil, errors.New("destination is required")
	}
	if options.Peer.Address == "" || options.Peer.FilePort <= 0 {
		return nil, fmt.Errorf("peer %q has no transfer address", options.Peer.Name())
	}
	if options.now == nil {
		options.now = time.Now
	}
	options.RemotePath = remote

	id := uuid.NewString()
	return &Job{
		id:    id,
		opts:  options,
		gate:  transfer.NewGate(),
		done:  make(chan struct{}),
		state: StateNew,
		log: logrus.WithFields(logrus.Fields{
			"component": "download",
			"job":       id,
			"file":      remote,
			"peer":      options.Peer.Name(),
		}),
	}, nil
}

func (j *Job) ID() string { return j.id }

func (j *Job) Peer() models.PeerIdentity { return j.opts.Peer }

func (j *Job) RemotePath() string { return j.opts.RemotePath }

func (j *Job) Destination() string { return j.opts.Destination }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the completed fraction in [0, 1].
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the failure cause once the job is FAILED.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is terminal and returns the final state.
func (j *Job) Wait() State {
	<-j.done
	return j.State()
}

// Start launches the worker. Only the first call on a NEW job has an effect.
// Ending ctx stops the worker and keeps the resume state on disk.
func (j *Job) Start(ctx context.Context) bool {
	j.transition.Lock()
	defer j.transition.Unlock()

	j.mu.Lock()
	if j.started || j.state != StateNew {
		j.mu.Unlock()
		return false
	}
	j.started = true
	j.state = StateRunning
	j.mu.Unlock()

	j.log.WithField("dest", j.opts.Destination).Info("download started")
	j.notifyState(StateRunning)
	go j.run(ctx)
	return true
}

// Pause holds the worker at its next checkpoint. In-flight I/O is not
// interrupted.
func (j *Job) Pause() bool {
	j.transition.Lock()
	defer j.transition.Unlock()

	j.mu.Lock()
	if j.state != StateRunning || !j.gate.Pause() {
		j.mu.Unlock()
		return false
	}
	j.state = StatePaused
	j.mu.Unlock()

	j.log.Info("download paused")
	j.notifyState(StatePaused)
	return true
}

// Resume releases a paused worker.
func (j *Job) Resume() bool {
	j.transition.Lock()
	defer j.transition.Unlock()

	j.mu.Lock()
	if j.state != StatePaused || !j.gate.Resume() {
		j.mu.Unlock()
		return false
	}
	j.state = StateRunning
	j.mu.Unlock()

	j.log.Info("download resumed")
	j.notifyState(StateRunning)
	return true
}

// Cancel stops the job from any non-terminal state. A job that never started
// becomes CANCELLED immediately; a running or paused one becomes CANCELLED
// once the worker has removed its resume state.
func (j *Job) Cancel() bool {
	j.transition.Lock()
	defer j.transition.Unlock()

	j.mu.Lock()
	switch {
	case j.state.Terminal():
		j.mu.Unlock()
		return false
	case j.state == StateNew:
		j.started = true
		j.gate.Cancel()
		j.state = StateCancelled
		j.mu.Unlock()

		j.log.Info("download cancelled before start")
		j.notifyState(StateCancelled)
		close(j.done)
		return true
	default:
		j.gate.Cancel()
		j.mu.Unlock()
		return true
	}
}

func (j *Job) run(ctx context.Context) {
	completed, err := j.opts.Client.Download(ctx, transfer.DownloadRequest{
		Address:     j.opts.Peer.FileAddr(),
		RemotePath:  j.opts.RemotePath,
		Destination: j.opts.Destination,
		Gate:        j.gate,
		Progress:    j.reportProgress,
	})

	switch {
	case err != nil:
		j.log.WithError(err).Warn("download failed")
		j.finish(StateFailed, err)
	case completed:
		j.recordHistory()
		j.finish(StateCompleted, nil)
	default:
		j.finish(StateCancelled, nil)
	}
}

func (j *Job) finish(state State, err error) {
	j.transition.Lock()
	defer j.transition.Unlock()

	j.mu.Lock()
	j.state = state
	j.err = err
	if state == StateCompleted {
		j.progress = 1
	}
	j.mu.Unlock()

	if err != nil && j.opts.OnError != nil {
		j.opts.OnError(j, err)
	}
	j.notifyState(state)
	close(j.done)
}

func (j *Job) reportProgress(completed, total int) {
	fraction := 1.0
	if total > 0 {
		fraction = float64(completed) / float64(total)
	}

	j.mu.Lock()
	j.progress = fraction
	j.mu.Unlock()

	if j.opts.OnProgress != nil {
		j.opts.OnProgress(j, fraction)
	}
}

func (j *Job) recordHistory() {
	if j.opts.History == nil {
		return
	}

	saved, err := filepath.Abs(j.opts.Destination)
	if err != nil {
		saved = j.opts.Destination
	}
	record := models.DownloadRecord{
		FileName:    path.Base(filepath.ToSlash(j.opts.RemotePath)),
		SavedPath:   saved,
		PeerName:    j.opts.Peer.Name(),
		PeerAddress: j.opts.Peer.Address,
		Timestamp:   j.opts.now(),
	}
	if err := j.opts.History.Record(record); err != nil {
		j.log.WithError(err).Warn("record download history")
	}
}

func (j *Job) notifyState(state State) {
	if j.opts.OnState != nil {
		j.opts.OnState(j, state)
	}
}
