package jobs

import (
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestAddAndList(t *testing.T) {
	s := newTestStore(t)

	job, err := s.Add("every day at 3pm send me a summary")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || !job.Enabled {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.Action != "send me a summary" {
		t.Errorf("action = %q", job.Action)
	}

	jobs := s.List()
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("list = %+v", jobs)
	}
}

func TestAddRejectsFreeText(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("just do whatever seems right"); err == nil {
		t.Fatal("free text must not become a job")
	}
	if len(s.List()) != 0 {
		t.Error("store must stay empty after a rejected add")
	}
}

func TestAddEnforcesActionLength(t *testing.T) {
	s := newTestStore(t)
	long := "every day at 3pm " + strings.Repeat("x", MaxActionLen+1)
	if _, err := s.Add(long); err == nil {
		t.Fatal("overlong action accepted")
	}
}

func TestClaimDueJobsSlotScenario(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add("every day at 3pm run the briefing")
	if err != nil {
		t.Fatal(err)
	}

	// 2026-02-19 is a Thursday.
	at := func(h, m int) time.Time {
		return time.Date(2026, 2, 19, h, m, 0, 0, time.UTC)
	}

	// Before the slot: nothing due.
	if due := s.ClaimDueJobs(at(14, 59)); len(due) != 0 {
		t.Fatalf("due before slot: %+v", due)
	}

	// 15:01 claims the slot exactly once.
	due := s.ClaimDueJobs(at(15, 1))
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("expected the job due at 15:01, got %+v", due)
	}
	if due[0].LastRunKey != "2026-02-19@15:00" {
		t.Errorf("run key = %q", due[0].LastRunKey)
	}

	// 15:05 the same day: already claimed.
	if due := s.ClaimDueJobs(at(15, 5)); len(due) != 0 {
		t.Fatalf("slot re-fired at 15:05: %+v", due)
	}

	// Next day at 15:01 it is due again.
	next := time.Date(2026, 2, 20, 15, 1, 0, 0, time.UTC)
	due = s.ClaimDueJobs(next)
	if len(due) != 1 {
		t.Fatalf("expected the job due the next day, got %+v", due)
	}
	if due[0].RunCount != 2 {
		t.Errorf("run count = %d, want 2", due[0].RunCount)
	}
}

func TestClaimSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if _, err := s.Add("every day at 3pm ping"); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 2, 19, 15, 1, 0, 0, time.UTC)
	if due := s.ClaimDueJobs(now); len(due) != 1 {
		t.Fatal("expected one due job")
	}

	// Simulated restart: a fresh store over the same file.
	reloaded := NewStore(dir)
	if due := reloaded.ClaimDueJobs(now.Add(2 * time.Minute)); len(due) != 0 {
		t.Fatalf("slot re-fired after reload: %+v", due)
	}
}

func TestWeeklyJobFiresOnlyOnItsDay(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("run the report every monday at 14:00"); err != nil {
		t.Fatal(err)
	}

	// 2026-02-19 is a Thursday; 2026-02-23 is a Monday.
	thursday := time.Date(2026, 2, 19, 14, 1, 0, 0, time.UTC)
	if due := s.ClaimDueJobs(thursday); len(due) != 0 {
		t.Fatalf("weekly job fired on the wrong day: %+v", due)
	}

	monday := time.Date(2026, 2, 23, 14, 1, 0, 0, time.UTC)
	if due := s.ClaimDueJobs(monday); len(due) != 1 {
		t.Fatalf("weekly job did not fire on its day: %+v", due)
	}
}

func TestDisabledJobNeverDue(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add("every day at 3pm ping")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(job.ID, false); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 2, 19, 15, 1, 0, 0, time.UTC)
	if due := s.ClaimDueJobs(now); len(due) != 0 {
		t.Fatalf("disabled job claimed: %+v", due)
	}
}

func TestTriggerNowDoesNotSuppressSlot(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add("every day at 3pm ping")
	if err != nil {
		t.Fatal(err)
	}

	manualAt := time.Date(2026, 2, 19, 14, 0, 0, 0, time.UTC)
	fired, err := s.TriggerNow(job.ID, manualAt)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fired.LastRunKey, "manual:") {
		t.Errorf("manual run key = %q", fired.LastRunKey)
	}

	// The scheduled slot still fires afterwards.
	due := s.ClaimDueJobs(time.Date(2026, 2, 19, 15, 1, 0, 0, time.UTC))
	if len(due) != 1 {
		t.Fatal("scheduled slot suppressed by a manual trigger")
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add("every day at 3pm ping")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Error("job still listed after removal")
	}
	if err := s.Remove(job.ID); err == nil {
		t.Error("removing a missing job should error")
	}
}

func TestRecordError(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add("every day at 3pm ping")
	if err != nil {
		t.Fatal(err)
	}
	s.RecordError(job.ID, "transport unavailable")

	got, ok := s.Get(job.ID)
	if !ok || got.LastError != "transport unavailable" {
		t.Errorf("last error not recorded: %+v", got)
	}
}
