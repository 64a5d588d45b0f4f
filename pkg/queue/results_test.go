package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisArchive) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	archive := NewRedisArchive(s.Addr(), time.Hour)
	t.Cleanup(func() {
		archive.Close()
		s.Close()
	})
	return s, archive
}

func TestRedisArchiveRoundTrip(t *testing.T) {
	s, archive := setupTestRedis(t)
	ctx := context.Background()

	want := tasks.Result{
		TaskID:       "result-test-id",
		Success:      true,
		WorkerID:     "backend-1",
		Duration:     1500 * time.Millisecond,
		FilesChanged: []string{"main.go"},
		Attempts:     2,
	}
	if err := archive.Store(ctx, want); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := archive.Load(ctx, want.TaskID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.WorkerID != want.WorkerID || got.Attempts != 2 || got.Duration != want.Duration || len(got.FilesChanged) != 1 {
		t.Errorf("Unexpected result: %+v", got)
	}

	if ttl := s.TTL("result:" + want.TaskID); ttl != time.Hour {
		t.Errorf("Expected TTL of 1h, got %v", ttl)
	}
}

func TestRedisArchiveMissing(t *testing.T) {
	_, archive := setupTestRedis(t)

	_, err := archive.Load(context.Background(), "nope")
	if !errors.Is(err, ErrResultNotFound) {
		t.Errorf("Expected ErrResultNotFound, got %v", err)
	}
}

func TestQueueArchivesTerminalResults(t *testing.T) {
	_, archive := setupTestRedis(t)
	q := setupQueue(t, WithArchive(archive), WithDefaultMaxAttempts(2))
	ctx := context.Background()

	task := q.Enqueue(spec("archive me", "feature"), tasks.PriorityMedium)
	q.Dequeue("frontend-1")
	q.Complete(task.ID, tasks.Result{Success: false, Error: "first try"})

	if _, err := archive.Load(ctx, task.ID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("Retried attempt should not be archived, got %v", err)
	}

	q.Dequeue("frontend-1")
	q.Complete(task.ID, tasks.Result{Success: false, Error: "second try"})

	got, err := archive.Load(ctx, task.ID)
	if err != nil {
		t.Fatalf("Expected archived result: %v", err)
	}
	if got.Success || got.Attempts != 2 || got.Error != "second try" {
		t.Errorf("Unexpected archived result: %+v", got)
	}
}
