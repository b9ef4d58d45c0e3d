package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/anvillabs/crucible/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob(id string, status models.BuildStatus) *models.BuildJob {
	now := time.Now().UTC()
	return &models.BuildJob{
		ID:        id,
		Principal: "proj-1",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(discardLogger())

	if err := r.Add(newJob("b1", models.BuildStatusReady)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	job, ok := r.Get("b1")
	if !ok {
		t.Fatal("Get() did not find the job")
	}
	if job.ID != "b1" || job.Status != models.BuildStatusReady {
		t.Errorf("Get() = %+v, want id b1 status ready", job)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get() found a job that was never added")
	}
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry(discardLogger())

	if err := r.Add(newJob("b1", models.BuildStatusReady)); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}
	if err := r.Add(newJob("b1", models.BuildStatusReady)); err == nil {
		t.Fatal("second Add() with the same id did not fail")
	}
}

func TestRegistryGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry(discardLogger())

	job := newJob("b1", models.BuildStatusRunning)
	job.Phases = []models.PhaseRecord{{Phase: models.PhaseBuilding, Outcome: models.PhaseOutcomeFailed}}
	if err := r.Add(job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	snap, _ := r.Get("b1")
	snap.Status = models.BuildStatusSuccess
	snap.Phases[0].Outcome = models.PhaseOutcomeSuccess
	snap.Phases = append(snap.Phases, models.PhaseRecord{Phase: models.PhaseFixing})

	again, _ := r.Get("b1")
	if again.Status != models.BuildStatusRunning {
		t.Errorf("stored status changed through a snapshot: %s", again.Status)
	}
	if len(again.Phases) != 1 || again.Phases[0].Outcome != models.PhaseOutcomeFailed {
		t.Errorf("stored phases changed through a snapshot: %+v", again.Phases)
	}
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry(discardLogger())

	job := newJob("b1", models.BuildStatusReady)
	before := job.UpdatedAt
	if err := r.Add(job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	ok := r.Update("b1", func(j *models.BuildJob) {
		j.Status = models.BuildStatusRunning
		j.Iteration = 2
	})
	if !ok {
		t.Fatal("Update() did not find the job")
	}

	snap, _ := r.Get("b1")
	if snap.Status != models.BuildStatusRunning || snap.Iteration != 2 {
		t.Errorf("Update() not applied: %+v", snap)
	}
	if !snap.UpdatedAt.After(before) {
		t.Error("Update() did not advance UpdatedAt")
	}

	if r.Update("missing", func(*models.BuildJob) {}) {
		t.Error("Update() claimed to find a job that was never added")
	}
}

func TestRegistryClaimSecretsIsOneShot(t *testing.T) {
	r := NewRegistry(discardLogger())
	if err := r.Add(newJob("b1", models.BuildStatusSuccess)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, won := r.ClaimSecrets("b1"); !won {
		t.Fatal("first claim lost")
	}
	if _, won := r.ClaimSecrets("b1"); won {
		t.Fatal("second claim won; secrets must be claimable once")
	}

	snap, _ := r.Get("b1")
	if !snap.SecretsTaken {
		t.Error("SecretsTaken not recorded after the claim")
	}
}

func TestRegistryClaimSecretsRequiresSuccess(t *testing.T) {
	r := NewRegistry(discardLogger())
	if err := r.Add(newJob("b1", models.BuildStatusRunning)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, won := r.ClaimSecrets("b1"); won {
		t.Error("claim won on a running build")
	}
	if _, won := r.ClaimSecrets("missing"); won {
		t.Error("claim won on an unknown build")
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry(discardLogger())
	if err := r.Add(newJob("b1", models.BuildStatusRunning)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.SetCancel("b1", cancel)

	if !r.Cancel("b1") {
		t.Fatal("Cancel() did not find the registered cancel")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("Cancel() did not cancel the run context")
	}

	r.ClearCancel("b1")
	if r.Cancel("b1") {
		t.Error("Cancel() found a cancel after ClearCancel()")
	}
}

func TestRegistrySweepEvictsPastRetention(t *testing.T) {
	r := NewRegistry(discardLogger())

	stale := newJob("old", models.BuildStatusSuccess)
	stale.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := newJob("new", models.BuildStatusSuccess)
	for _, j := range []*models.BuildJob{stale, fresh} {
		if err := r.Add(j); err != nil {
			t.Fatalf("Add(%s) error = %v", j.ID, err)
		}
	}

	evicted := r.Sweep(time.Hour)
	if len(evicted) != 1 || evicted[0].ID != "old" {
		t.Fatalf("Sweep() evicted %+v, want just old", evicted)
	}
	if _, ok := r.Get("old"); ok {
		t.Error("evicted job still present")
	}
	if _, ok := r.Get("new"); !ok {
		t.Error("fresh job evicted")
	}
}

func TestRegistrySweepCancelsWedgedRuns(t *testing.T) {
	r := NewRegistry(discardLogger())

	wedged := newJob("wedged", models.BuildStatusRunning)
	wedged.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := r.Add(wedged); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.SetCancel("wedged", cancel)

	evicted := r.Sweep(time.Hour)
	if len(evicted) != 1 {
		t.Fatalf("Sweep() evicted %d jobs, want 1", len(evicted))
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("Sweep() evicted a running job without cancelling it")
	}
	if r.Cancel("wedged") {
		t.Error("cancel func survived eviction")
	}
}

func TestRegistryRunningCount(t *testing.T) {
	r := NewRegistry(discardLogger())

	for _, j := range []*models.BuildJob{
		newJob("a", models.BuildStatusRunning),
		newJob("b", models.BuildStatusRunning),
		newJob("c", models.BuildStatusSuccess),
		newJob("d", models.BuildStatusReady),
	} {
		if err := r.Add(j); err != nil {
			t.Fatalf("Add(%s) error = %v", j.ID, err)
		}
	}

	if got := r.RunningCount(); got != 2 {
		t.Errorf("RunningCount() = %d, want 2", got)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(discardLogger())
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Add(newJob(id, models.BuildStatusReady)); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	jobs := r.List()
	if len(jobs) != 3 {
		t.Fatalf("List() returned %d jobs, want 3", len(jobs))
	}
	seen := make(map[string]bool)
	for _, j := range jobs {
		seen[j.ID] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("List() missing job %s", id)
		}
	}
}
