package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type forestFixture struct {
	store *stubStore
	queue *stubQueue
	log   *TaskLogService
	svc   *ForestService
}

func newForestFixture() *forestFixture {
	store := newStubStore()
	store.addStudy("s1", true)
	store.addStudy("s2", false)
	store.addParticipant("s1", "alice")
	store.addParticipant("s1", "bob")
	q := &stubQueue{}
	log := NewTaskLogService(store)
	svc := NewForestService(store, q, log)
	var idMu sync.Mutex
	n := 0
	svc.idGen = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		n++
		return fmt.Sprintf("task-%d", n)
	}
	var clockMu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return &forestFixture{store: store, queue: q, log: log, svc: svc}
}

func (f *forestFixture) events(taskID string) []string {
	evs, _ := f.log.Events(context.Background(), taskID)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Event)
	}
	return out
}

func validParams() TaskParams {
	return TaskParams{PatientID: "alice", Tree: "jasmine", DateStart: "2024-01-01", DateEnd: "2024-01-07"}
}

func TestDispatchQueuesTask(t *testing.T) {
	f := newForestFixture()
	id, err := f.svc.Dispatch(context.Background(), "s1", validParams())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	task := f.store.tasks[id]
	if task.Status != TaskQueued || task.ParticipantID != "p-s1-alice" || task.Tree != TreeJasmine {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(f.queue.pending) != 1 || f.queue.pending[0] != id {
		t.Fatalf("task not enqueued: %v", f.queue.pending)
	}
	if evs := f.events(id); len(evs) != 1 || evs[0] != "queued" {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestDispatchRejections(t *testing.T) {
	f := newForestFixture()
	ctx := context.Background()
	p := validParams()
	p.Tree = "oak"
	if _, err := f.svc.Dispatch(ctx, "s1", p); !IsCode(err, ErrorInvalid) {
		t.Fatalf("unknown tree: %v", err)
	}
	p = validParams()
	p.DateStart = "2024-02-01"
	if _, err := f.svc.Dispatch(ctx, "s1", p); !IsReason(err, ReasonBadRange) {
		t.Fatalf("bad range: %v", err)
	}
	if _, err := f.svc.Dispatch(ctx, "s2", validParams()); !IsCode(err, ErrorForbidden) {
		t.Fatalf("forest disabled: %v", err)
	}
	p = validParams()
	p.PatientID = "mallory"
	if _, err := f.svc.Dispatch(ctx, "s1", p); !IsReason(err, ReasonUnknownParticipant) {
		t.Fatalf("unknown participant: %v", err)
	}
	if len(f.store.tasks) != 0 {
		t.Fatalf("rejected dispatches must not persist tasks")
	}
}

func TestDispatchEnqueueFailureMarksTaskFailed(t *testing.T) {
	f := newForestFixture()
	f.queue.fail = errors.New("queue down")
	if _, err := f.svc.Dispatch(context.Background(), "s1", validParams()); !IsCode(err, ErrorStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	for _, task := range f.store.tasks {
		if task.Status != TaskFailed || task.ErrorKind != ErrorKindQueue {
			t.Fatalf("expected failed task, got %+v", task)
		}
	}
}

func TestDispatchBatch(t *testing.T) {
	f := newForestFixture()
	ids, err := f.svc.DispatchBatch(context.Background(), "s1", []string{"alice", "bob"}, []string{"jasmine", "willow"}, "2024-01-01", "2024-01-02", nil)
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if len(ids) != 4 || len(f.queue.pending) != 4 {
		t.Fatalf("expected 4 tasks, got %v", ids)
	}
}

func TestConcurrentDispatchYieldsDistinctQueuedTasks(t *testing.T) {
	f := newForestFixture()
	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.svc.Dispatch(context.Background(), "s1", validParams())
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("Dispatch %d: %v", i, errs[i])
		}
		if seen[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = true
		if task := f.store.tasks[id]; task == nil || task.Status != TaskQueued {
			t.Fatalf("task %s not queued: %+v", id, task)
		}
	}
	if len(f.queue.pending) != n {
		t.Fatalf("expected %d enqueued tasks, got %d", n, len(f.queue.pending))
	}
}

func TestClaimIsExclusive(t *testing.T) {
	f := newForestFixture()
	id, _ := f.svc.Dispatch(context.Background(), "s1", validParams())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.svc.Claim(context.Background(), id)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if f.store.tasks[id].Status != TaskRunning || f.store.tasks[id].StartedAt == nil {
		t.Fatalf("task not running: %+v", f.store.tasks[id])
	}
}

func TestFinishTransitions(t *testing.T) {
	f := newForestFixture()
	ctx := context.Background()
	ok1, _ := f.svc.Dispatch(ctx, "s1", validParams())
	bad, _ := f.svc.Dispatch(ctx, "s1", validParams())
	f.svc.Claim(ctx, ok1)
	f.svc.Claim(ctx, bad)

	if changed, err := f.svc.Finish(ctx, ok1, TaskOutcome{TotalFileSize: 42, OutputExists: true, OutputKey: "k"}, nil); err != nil || !changed {
		t.Fatalf("Finish success: %v %v", changed, err)
	}
	if changed, err := f.svc.Finish(ctx, bad, TaskOutcome{}, fmt.Errorf("jasmine: %w", ErrNoData)); err != nil || !changed {
		t.Fatalf("Finish failure: %v %v", changed, err)
	}
	if task := f.store.tasks[ok1]; task.Status != TaskSucceeded || task.TotalFileSize != 42 || task.CompletedAt == nil {
		t.Fatalf("unexpected success task %+v", task)
	}
	if task := f.store.tasks[bad]; task.Status != TaskFailed || task.ErrorKind != ErrorKindNoData {
		t.Fatalf("unexpected failed task %+v", task)
	}

	// terminal states never change
	if changed, _ := f.svc.Finish(ctx, ok1, TaskOutcome{}, errors.New("late")); changed {
		t.Fatalf("terminal task changed")
	}
	if st, err := f.svc.Cancel(ctx, ok1); !IsCode(err, ErrorConflict) || st != TaskSucceeded {
		t.Fatalf("cancel of terminal task: %v %v", st, err)
	}
	if evs := f.events(ok1); len(evs) != 3 || evs[2] != "succeeded" {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newForestFixture()
	ctx := context.Background()
	id, _ := f.svc.Dispatch(ctx, "s1", validParams())

	st, err := f.svc.Cancel(ctx, id)
	if err != nil || st != TaskCancelled {
		t.Fatalf("Cancel: %v %v", st, err)
	}
	if len(f.queue.pending) != 0 || len(f.queue.removed) != 1 {
		t.Fatalf("queue message not removed: %+v", f.queue)
	}
	if _, ok, _ := f.svc.Claim(ctx, id); ok {
		t.Fatalf("cancelled task must not be claimable")
	}
	if _, err := f.svc.Cancel(ctx, "nope"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	f := newForestFixture()
	ctx := context.Background()
	id, _ := f.svc.Dispatch(ctx, "s1", validParams())
	f.svc.Claim(ctx, id)

	st, err := f.svc.Cancel(ctx, id)
	if err != nil || st != TaskRunning {
		t.Fatalf("Cancel: %v %v", st, err)
	}
	if req, _ := f.svc.CancelRequested(ctx, id); !req {
		t.Fatalf("cancel flag not set")
	}
	if changed, err := f.svc.AcknowledgeCancel(ctx, id, TaskOutcome{}); err != nil || !changed {
		t.Fatalf("AcknowledgeCancel: %v %v", changed, err)
	}
	if changed, _ := f.svc.Finish(ctx, id, TaskOutcome{}, nil); changed {
		t.Fatalf("finish after cancel must be ignored")
	}
	evs := f.events(id)
	want := []string{"queued", "running", "cancel_requested", "cancelled"}
	if fmt.Sprint(evs) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", evs, want)
	}
}
