package task

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
	"AuctionMesh/internal/storage/sqldb"
)

type testClock struct {
	sec   atomic.Int64
	first int64
}

func newTestClock(start int64) *testClock {
	c := &testClock{first: start}
	c.sec.Store(start)
	return c
}

func (c *testClock) start() time.Time { return time.Unix(c.first, 0) }

func (c *testClock) now() time.Time       { return time.Unix(c.sec.Load(), 0) }
func (c *testClock) advance(seconds int64) { c.sec.Add(seconds) }

type storeFactory func(t *testing.T, clock *testClock) Store

func memoryStoreFactory(_ *testing.T, clock *testClock) Store {
	store := NewMemoryStore()
	store.now = clock.now
	return store
}

func sqliteStoreFactory(t *testing.T, clock *testClock) Store {
	t.Helper()
	store, err := NewSQLStore(context.Background(), sqldb.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "tasks.db"),
	}, true)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	store.now = clock.now
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store, clock *testClock)) {
	factories := map[string]storeFactory{
		"memory": memoryStoreFactory,
		"sqlite": sqliteStoreFactory,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock(1_700_000_000)
			fn(t, factory(t, clock), clock)
		})
	}
}

func mustCreate(t *testing.T, store Store, task *Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", task.ID, err)
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *testClock) {
		ctx := context.Background()
		mustCreate(t, store, &Task{ID: "t1", RawText: "Summarize this report", Metadata: map[string]any{"team": "ops"}})

		got, err := store.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RawText != "Summarize this report" || got.Status != StatusPending || got.MaxRetries != 3 {
			t.Fatalf("unexpected task %+v", got)
		}
		if got.Metadata["team"] != "ops" {
			t.Fatalf("metadata not persisted: %+v", got.Metadata)
		}
		if got.CreatedAt == 0 || got.UpdatedAt == 0 {
			t.Fatalf("timestamps missing: %+v", got)
		}

		if err := store.Create(ctx, &Task{ID: "t1", RawText: "again", Status: StatusPending}); !errors.Is(err, ErrTaskConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := store.Create(ctx, &Task{ID: " "}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	})
}

func TestStoreClaimTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *testClock) {
		ctx := context.Background()
		mustCreate(t, store, &Task{ID: "t1", RawText: "x", MaxRetries: 1})

		claimed, err := store.Claim(ctx, "t1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.Status != StatusRunning || claimed.Attempts != 1 {
			t.Fatalf("unexpected claimed task %+v", claimed)
		}

		if task, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) || task == nil {
			t.Fatalf("expected conflict with task, got %v %v", task, err)
		}

		if err := store.Requeue(ctx, "t1", xerrors.CodeTimeout, "slow"); err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
			t.Fatalf("expected exhausted, got %v", err)
		}

		if err := store.Finish(ctx, "t1", StatusFailed, nil, CodeTaskExhausted, "slow"); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskFinished) {
			t.Fatalf("expected finished, got %v", err)
		}
		if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreRecordsSubtaskProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *testClock) {
		ctx := context.Background()
		mustCreate(t, store, &Task{ID: "t1", RawText: "a\nb"})
		if _, err := store.Claim(ctx, "t1"); err != nil {
			t.Fatalf("claim: %v", err)
		}

		second := operator.SubtaskResult{SubtaskID: "t1:1", SequenceIndex: 1, Description: "b", Status: operator.SubtaskAuctionOpen, AuctionID: "auction-2"}
		first := operator.SubtaskResult{SubtaskID: "t1:0", SequenceIndex: 0, Description: "a", Status: operator.SubtaskPending}
		for _, st := range []operator.SubtaskResult{second, first} {
			if err := store.RecordSubtask(ctx, "t1", st); err != nil {
				t.Fatalf("record subtask: %v", err)
			}
		}
		first.Status = operator.SubtaskCompleted
		first.AgentID = "agent-a"
		first.Result = "done"
		if err := store.RecordSubtask(ctx, "t1", first); err != nil {
			t.Fatalf("overwrite subtask: %v", err)
		}

		got, err := store.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Subtasks) != 2 {
			t.Fatalf("expected 2 subtasks, got %+v", got.Subtasks)
		}
		if got.Subtasks[0].SequenceIndex != 0 || got.Subtasks[0].Status != operator.SubtaskCompleted || got.Subtasks[0].Result != "done" {
			t.Fatalf("unexpected first subtask %+v", got.Subtasks[0])
		}
		if got.Subtasks[1].AuctionID != "auction-2" {
			t.Fatalf("unexpected second subtask %+v", got.Subtasks[1])
		}

		if err := store.RecordSubtask(ctx, "missing", first); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreFinishAndRequeue(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *testClock) {
		ctx := context.Background()
		mustCreate(t, store, &Task{ID: "t1", RawText: "a\nb"})
		if _, err := store.Claim(ctx, "t1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := store.RecordSubtask(ctx, "t1", operator.SubtaskResult{SubtaskID: "t1:0", Status: operator.SubtaskExecuting}); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := store.Requeue(ctx, "t1", xerrors.CodeUnavailable, "llm down"); err != nil {
			t.Fatalf("requeue: %v", err)
		}
		requeued, err := store.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if requeued.Status != StatusPending || len(requeued.Subtasks) != 0 || requeued.LastError != "llm down" {
			t.Fatalf("unexpected requeued task %+v", requeued)
		}

		if _, err := store.Claim(ctx, "t1"); err != nil {
			t.Fatalf("claim again: %v", err)
		}
		result := &operator.TaskResult{
			TaskID:        "t1",
			OverallStatus: operator.OverallPartiallyFailed,
			Error:         "1 of 2 subtasks failed",
			Subtasks: []operator.SubtaskResult{
				{SubtaskID: "t1:0", SequenceIndex: 0, Description: "a", Status: operator.SubtaskCompleted, AgentID: "agent-a", Result: "ok"},
				{SubtaskID: "t1:1", SequenceIndex: 1, Description: "b", Status: operator.SubtaskFailed, FailureReason: operator.ReasonAuctionExpired, Error: "expired"},
			},
		}
		if err := store.Finish(ctx, "t1", StatusPartiallyFailed, result, CodeTaskPartial, result.Error); err != nil {
			t.Fatalf("finish: %v", err)
		}

		done, err := store.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("get finished: %v", err)
		}
		if done.Status != StatusPartiallyFailed || done.ErrorCode != string(CodeTaskPartial) || done.Attempts != 2 {
			t.Fatalf("unexpected finished task %+v", done)
		}
		if done.Result == nil || done.Result.OverallStatus != operator.OverallPartiallyFailed || len(done.Result.Subtasks) != 2 {
			t.Fatalf("result not persisted: %+v", done.Result)
		}
		if len(done.Subtasks) != 2 || done.Subtasks[1].FailureReason != operator.ReasonAuctionExpired {
			t.Fatalf("subtasks not persisted: %+v", done.Subtasks)
		}

		if err := store.Finish(ctx, "missing", StatusFailed, nil, "", ""); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *testClock) {
		ctx := context.Background()
		mustCreate(t, store, &Task{ID: "pending", RawText: "x"})
		mustCreate(t, store, &Task{ID: "running", RawText: "x"})
		if _, err := store.Claim(ctx, "running"); err != nil {
			t.Fatalf("claim: %v", err)
		}

		cancelled, err := store.Cancel(ctx, "pending")
		if err != nil {
			t.Fatalf("cancel pending: %v", err)
		}
		if cancelled.Status != StatusCancelled || cancelled.ErrorCode != string(xerrors.CodeCancelled) {
			t.Fatalf("unexpected cancelled task %+v", cancelled)
		}

		running, err := store.Cancel(ctx, "running")
		if !errors.Is(err, ErrTaskConflict) || running == nil || running.Status != StatusRunning {
			t.Fatalf("expected conflict for running task, got %+v %v", running, err)
		}
		if _, err := store.Cancel(ctx, "pending"); !errors.Is(err, ErrTaskFinished) {
			t.Fatalf("expected finished, got %v", err)
		}
		if _, err := store.Cancel(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreListWithFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()

		mustCreate(t, store, &Task{ID: "t1", RawText: "translate the contract"})
		clock.advance(30)
		mustCreate(t, store, &Task{ID: "t2", RawText: "summarize the report"})
		clock.advance(30)
		mustCreate(t, store, &Task{ID: "t3", RawText: "draft a reply", Metadata: map[string]any{"customer": "acme"}})
		clock.advance(30)

		if _, err := store.Claim(ctx, "t2"); err != nil {
			t.Fatalf("claim t2: %v", err)
		}
		if err := store.Finish(ctx, "t2", StatusFailed, nil, CodeTaskProcessing, "boom"); err != nil {
			t.Fatalf("finish t2: %v", err)
		}
		clock.advance(30)
		if _, err := store.Claim(ctx, "t3"); err != nil {
			t.Fatalf("claim t3: %v", err)
		}
		result := &operator.TaskResult{TaskID: "t3", OverallStatus: operator.OverallCompleted, Subtasks: []operator.SubtaskResult{}}
		if err := store.Finish(ctx, "t3", StatusCompleted, result, "", ""); err != nil {
			t.Fatalf("finish t3: %v", err)
		}

		all, err := store.List(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
			t.Fatalf("unexpected order: %v", taskIDs(all))
		}
		for _, task := range all {
			if len(task.Subtasks) != 0 {
				t.Fatalf("list should omit subtasks: %+v", task)
			}
		}

		asc, err := store.List(ctx, buildListOptions([]ListOption{WithSort(SortUpdated, true), WithLimit(1), WithOffset(1)}))
		if err != nil {
			t.Fatalf("list asc: %v", err)
		}
		if len(asc) != 1 || asc[0].ID != "t2" {
			t.Fatalf("unexpected page: %v", taskIDs(asc))
		}

		byCreated, err := store.List(ctx, buildListOptions([]ListOption{WithSort(SortCreated, false)}))
		if err != nil {
			t.Fatalf("list by created: %v", err)
		}
		if got := taskIDs(byCreated); len(got) != 3 || got[0] != "t3" || got[2] != "t1" {
			t.Fatalf("unexpected created order: %v", got)
		}

		early, err := store.List(ctx, buildListOptions([]ListOption{
			WithCreatedBetween(time.Time{}, clock.start().Add(30*time.Second)),
		}))
		if err != nil {
			t.Fatalf("list created window: %v", err)
		}
		if len(early) != 2 {
			t.Fatalf("expected t1 and t2 in created window, got %v", taskIDs(early))
		}

		failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != "t2" {
			t.Fatalf("unexpected failed list: %v", taskIDs(failed))
		}

		withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
		if err != nil {
			t.Fatalf("list with result: %v", err)
		}
		if len(withResult) != 1 || withResult[0].ID != "t3" {
			t.Fatalf("unexpected result list: %v", taskIDs(withResult))
		}

		byMetadata, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("acme")}))
		if err != nil {
			t.Fatalf("list by query: %v", err)
		}
		if len(byMetadata) != 1 || byMetadata[0].ID != "t3" {
			t.Fatalf("unexpected query result: %v", taskIDs(byMetadata))
		}

		since := time.Unix(1_700_000_000+60, 0)
		recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedBetween(since, time.Time{})}))
		if err != nil {
			t.Fatalf("list recent: %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("expected 2 recent tasks, got %v", taskIDs(recent))
		}
	})
}

func TestStoreStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()

		empty, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats on empty store: %v", err)
		}
		if empty.Total != 0 || empty.OldestUpdatedAt != 0 {
			t.Fatalf("unexpected empty stats %+v", empty)
		}

		mustCreate(t, store, &Task{ID: "t1", RawText: "x"})
		clock.advance(10)
		mustCreate(t, store, &Task{ID: "t2", RawText: "x"})
		clock.advance(10)
		mustCreate(t, store, &Task{ID: "t3", RawText: "x"})
		if _, err := store.Cancel(ctx, "t3"); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		stats, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 3 || stats.Pending != 2 || stats.Cancelled != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		if stats.OldestUpdatedAt != 1_700_000_000 || stats.NewestUpdatedAt != 1_700_000_020 {
			t.Fatalf("unexpected range %+v", stats)
		}

		pending, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending)}))
		if err != nil {
			t.Fatalf("stats pending: %v", err)
		}
		if pending.Total != 2 || pending.Cancelled != 0 {
			t.Fatalf("unexpected filtered stats %+v", pending)
		}
	})
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
