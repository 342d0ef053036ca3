package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// CronsFilename holds cron jobs inside the state directory.
	CronsFilename = "CRONS.json"
	// TriggersFilename holds event triggers inside the state directory.
	TriggersFilename = "TRIGGERS.json"

	// breakerThreshold opens a circuit after this many consecutive failures.
	breakerThreshold = 3

	// reloadDebounce coalesces bursts of watcher events into one reload.
	reloadDebounce = 250 * time.Millisecond
)

// ErrNotFound reports a job or trigger id the store does not know.
var ErrNotFound = errors.New("not found")

type cronsFile struct {
	Jobs []*CronJob `json:"jobs"`
}

type triggersFile struct {
	Triggers []*Trigger `json:"triggers"`
}

// Store owns CRONS.json and TRIGGERS.json. Every mutation persists the set
// atomically (temp file + fsync + rename) and then reloads the parsed
// result; Watch picks up external edits. Malformed files are logged and
// the in-memory set kept until the file is fixed.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	jobs     []*CronJob
	triggers []*Trigger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger. Default: slog.Default.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens the job and trigger files under dir, creating the
// directory if needed. Missing files mean empty sets.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scheduler state dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scheduler state dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	s.loadJobsLocked()
	s.loadTriggersLocked()
	s.mu.Unlock()
	return s, nil
}

// Jobs returns a snapshot of the cron jobs.
func (s *Store) Jobs() []*CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	return out
}

// Triggers returns a snapshot of the event triggers.
func (s *Store) Triggers() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, trig := range s.triggers {
		out = append(out, trig.clone())
	}
	return out
}

// AddJob validates and stores a new cron job. A missing ID gets a
// generated one. Returns the stored copy.
func (s *Store) AddJob(job CronJob) (*CronJob, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.ID == job.ID {
			return nil, fmt.Errorf("cron job %q already exists", job.ID)
		}
	}
	next := append(append([]*CronJob{}, s.jobs...), &job)
	if err := s.persistJobsLocked(next); err != nil {
		return nil, err
	}
	s.loadJobsLocked()
	stored := job
	return &stored, nil
}

// RemoveJob deletes a cron job by id.
func (s *Store) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*CronJob, 0, len(s.jobs))
	found := false
	for _, job := range s.jobs {
		if job.ID == id {
			found = true
			continue
		}
		next = append(next, job)
	}
	if !found {
		return fmt.Errorf("cron job %q: %w", id, ErrNotFound)
	}
	if err := s.persistJobsLocked(next); err != nil {
		return err
	}
	s.loadJobsLocked()
	return nil
}

// ToggleJob enables or disables a cron job. Toggling clears the failure
// counter and closes the circuit.
func (s *Store) ToggleJob(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.findJobLocked(id)
	if job == nil {
		return fmt.Errorf("cron job %q: %w", id, ErrNotFound)
	}
	job.Enabled = enabled
	job.FailureCount = 0
	job.CircuitOpen = false
	if err := s.persistJobsLocked(s.jobs); err != nil {
		return err
	}
	s.loadJobsLocked()
	return nil
}

// MarkJobResult records one run outcome for the job's breaker: success
// resets the failure count, the third consecutive failure opens the
// circuit.
func (s *Store) MarkJobResult(id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.findJobLocked(id)
	if job == nil {
		return
	}
	if ok {
		job.FailureCount = 0
		job.CircuitOpen = false
	} else {
		job.FailureCount++
		if job.FailureCount >= breakerThreshold && !job.CircuitOpen {
			job.CircuitOpen = true
			s.logger.Warn("cron job circuit opened",
				"id", id, "failures", job.FailureCount)
		}
	}
	if err := s.persistJobsLocked(s.jobs); err != nil {
		s.logger.Warn("persist cron jobs failed", "error", err)
	}
	s.loadJobsLocked()
}

// AddTrigger validates and stores a new event trigger. A missing ID gets a
// generated one. Returns the stored copy.
func (s *Store) AddTrigger(trig Trigger) (*Trigger, error) {
	if strings.TrimSpace(trig.ID) == "" {
		trig.ID = uuid.NewString()
	}
	if err := trig.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.triggers {
		if existing.ID == trig.ID {
			return nil, fmt.Errorf("trigger %q already exists", trig.ID)
		}
	}
	next := append(append([]*Trigger{}, s.triggers...), &trig)
	if err := s.persistTriggersLocked(next); err != nil {
		return nil, err
	}
	s.loadTriggersLocked()
	stored := trig
	return &stored, nil
}

// RemoveTrigger deletes a trigger by id.
func (s *Store) RemoveTrigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*Trigger, 0, len(s.triggers))
	found := false
	for _, trig := range s.triggers {
		if trig.ID == id {
			found = true
			continue
		}
		next = append(next, trig)
	}
	if !found {
		return fmt.Errorf("trigger %q: %w", id, ErrNotFound)
	}
	if err := s.persistTriggersLocked(next); err != nil {
		return err
	}
	s.loadTriggersLocked()
	return nil
}

// ToggleTrigger enables or disables a trigger, clearing its breaker.
func (s *Store) ToggleTrigger(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig := s.findTriggerLocked(id)
	if trig == nil {
		return fmt.Errorf("trigger %q: %w", id, ErrNotFound)
	}
	trig.Enabled = enabled
	trig.FailureCount = 0
	trig.CircuitOpen = false
	if err := s.persistTriggersLocked(s.triggers); err != nil {
		return err
	}
	s.loadTriggersLocked()
	return nil
}

// MarkTriggerResult records one dispatch outcome for the trigger's breaker.
func (s *Store) MarkTriggerResult(id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig := s.findTriggerLocked(id)
	if trig == nil {
		return
	}
	if ok {
		trig.FailureCount = 0
		trig.CircuitOpen = false
	} else {
		trig.FailureCount++
		if trig.FailureCount >= breakerThreshold && !trig.CircuitOpen {
			trig.CircuitOpen = true
			s.logger.Warn("trigger circuit opened",
				"id", id, "failures", trig.FailureCount)
		}
	}
	if err := s.persistTriggersLocked(s.triggers); err != nil {
		s.logger.Warn("persist triggers failed", "error", err)
	}
	s.loadTriggersLocked()
}

// Reload re-reads both files from disk.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadJobsLocked()
	s.loadTriggersLocked()
}

// Watch reloads the store whenever CRONS.json or TRIGGERS.json changes on
// disk, until the context is cancelled or the store is closed.
func (s *Store) Watch(ctx context.Context) error {
	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start store watcher: %w", err)
	}
	// Watch the directory, not the files: atomic renames replace inodes.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		s.mu.Unlock()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	watcher := s.watcher
	s.cancel = nil
	s.watcher = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, s.Reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case CronsFilename, TriggersFilename:
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watch error", "error", err)
		}
	}
}

func (s *Store) findJobLocked(id string) *CronJob {
	for _, job := range s.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (s *Store) findTriggerLocked(id string) *Trigger {
	for _, trig := range s.triggers {
		if trig.ID == id {
			return trig
		}
	}
	return nil
}

func (s *Store) loadJobsLocked() {
	path := filepath.Join(s.dir, CronsFilename)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.jobs = nil
		return
	}
	if err != nil {
		s.logger.Warn("read cron jobs failed, keeping in-memory set",
			"path", path, "error", err)
		return
	}
	var file cronsFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("malformed cron jobs file, keeping in-memory set",
			"path", path, "error", err)
		return
	}
	s.jobs = file.Jobs
}

func (s *Store) loadTriggersLocked() {
	path := filepath.Join(s.dir, TriggersFilename)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.triggers = nil
		return
	}
	if err != nil {
		s.logger.Warn("read triggers failed, keeping in-memory set",
			"path", path, "error", err)
		return
	}
	var file triggersFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("malformed triggers file, keeping in-memory set",
			"path", path, "error", err)
		return
	}
	s.triggers = file.Triggers
}

func (s *Store) persistJobsLocked(jobs []*CronJob) error {
	data, err := json.MarshalIndent(cronsFile{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, CronsFilename), append(data, '\n'), 0o600)
}

func (s *Store) persistTriggersLocked(triggers []*Trigger) error {
	data, err := json.MarshalIndent(triggersFile{Triggers: triggers}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, TriggersFilename), append(data, '\n'), 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
