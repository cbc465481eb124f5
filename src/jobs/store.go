// Package jobs is the idempotent natural-language job scheduler. Jobs are
// parsed from constrained schedule phrases, persisted as a single JSON store,
// and claimed by polling: a (job, slot) pair is handed out at most once no
// matter how often the caller polls or how many times the process restarts.
package jobs

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stake-plus/gosling/src/state"
)

const (
	storeVersion = 1

	MaxJobs      = 256
	MaxActionLen = 700

	jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	jobIDLength   = 10
)

type Job struct {
	ID          string    `json:"id"`
	NaturalText string    `json:"natural_text"`
	Action      string    `json:"action"`
	Schedule    Schedule  `json:"schedule"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastRunKey  string    `json:"last_run_key,omitempty"`
	RunCount    int       `json:"run_count"`
	LastError   string    `json:"last_error,omitempty"`
}

type storeRecord struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Store owns the persisted jobs file. Every mutation re-reads the file and
// rewrites it wholesale.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "jobs.json")}
}

// read loads the current record, falling back to empty. Caller holds s.mu.
func (s *Store) read() storeRecord {
	rec := storeRecord{Version: storeVersion}
	state.Load(s.path, storeVersion, &rec)
	rec.Version = storeVersion
	return rec
}

// write persists the record. Caller holds s.mu.
func (s *Store) write(rec storeRecord) error {
	return state.Save(s.path, rec)
}

// Add parses the natural-language text and persists a new enabled job.
func (s *Store) Add(naturalText string) (Job, error) {
	sched, action, err := ParseSchedule(naturalText)
	if err != nil {
		return Job{}, err
	}
	if len(action) > MaxActionLen {
		return Job{}, fmt.Errorf("action too long (%d chars, max %d)", len(action), MaxActionLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	if len(rec.Jobs) >= MaxJobs {
		return Job{}, fmt.Errorf("job limit reached (%d)", MaxJobs)
	}

	id, err := gonanoid.Generate(jobIDAlphabet, jobIDLength)
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}

	now := time.Now().UTC()
	job := Job{
		ID:          id,
		NaturalText: naturalText,
		Action:      action,
		Schedule:    sched,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec.Jobs = append(rec.Jobs, job)
	if err := s.write(rec); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	for i, j := range rec.Jobs {
		if j.ID == id {
			rec.Jobs = append(rec.Jobs[:i], rec.Jobs[i+1:]...)
			return s.write(rec)
		}
	}
	return fmt.Errorf("no job with id %s", id)
}

func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Jobs
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.read().Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	for i := range rec.Jobs {
		if rec.Jobs[i].ID == id {
			rec.Jobs[i].Enabled = enabled
			rec.Jobs[i].UpdatedAt = time.Now().UTC()
			return s.write(rec)
		}
	}
	return fmt.Errorf("no job with id %s", id)
}

// ClaimDueJobs returns every enabled job whose slot for today has been
// reached and whose run key differs from the stored one, atomically marking
// each as run. Equal keys across ticks never re-fire the same slot, including
// across process restarts.
func (s *Store) ClaimDueJobs(now time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	var due []Job
	changed := false

	for i := range rec.Jobs {
		j := &rec.Jobs[i]
		if !j.Enabled {
			continue
		}
		if !j.Schedule.matchesDay(now.Weekday()) {
			continue
		}
		slot := time.Date(now.Year(), now.Month(), now.Day(),
			j.Schedule.Hour, j.Schedule.Minute, 0, 0, now.Location())
		if now.Before(slot) {
			continue
		}
		key := j.Schedule.runKey(now)
		if j.LastRunKey == key {
			continue
		}

		j.LastRunKey = key
		j.LastRunAt = now.UTC()
		j.RunCount++
		j.UpdatedAt = now.UTC()
		due = append(due, *j)
		changed = true
	}

	if changed {
		if err := s.write(rec); err != nil {
			// If the claim cannot be persisted the slot may re-fire on the
			// next poll; callers must tolerate that over losing the run.
			return due
		}
	}
	return due
}

// TriggerNow fires a job outside its schedule using a synthetic run key, so
// a manual run never collides with or suppresses the next scheduled slot.
func (s *Store) TriggerNow(id string, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	for i := range rec.Jobs {
		j := &rec.Jobs[i]
		if j.ID != id {
			continue
		}
		j.LastRunKey = fmt.Sprintf("manual:%d", now.Unix())
		j.LastRunAt = now.UTC()
		j.RunCount++
		j.UpdatedAt = now.UTC()
		if err := s.write(rec); err != nil {
			return Job{}, err
		}
		return *j, nil
	}
	return Job{}, fmt.Errorf("no job with id %s", id)
}

// RecordError stores the last execution error on the job.
func (s *Store) RecordError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	for i := range rec.Jobs {
		if rec.Jobs[i].ID == id {
			rec.Jobs[i].LastError = msg
			rec.Jobs[i].UpdatedAt = time.Now().UTC()
			if err := s.write(rec); err != nil {
				log.Printf("jobs: record error for %s: %v", id, err)
			}
			return
		}
	}
}
