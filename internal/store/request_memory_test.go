package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	req := testRequest("req-1", "Alice", lifecycle.StatusNotStarted, testNow)
	req.Technician = strPtr("  Sam ")
	created, err := s.CreateRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Sam", lifecycle.Deref(created.Technician))
	assert.NotNil(t, created.Comments)

	_, err = s.CreateRequest(ctx, req)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, created.RecipientName, got.RecipientName)

	next := *got
	next.Status = lifecycle.StatusInProgress
	next.UpdatedAt = testNow.Add(time.Minute)
	updated, err := s.UpdateRequest(ctx, next, got.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, updated.Status)
	assert.True(t, updated.CreatedAt.Equal(testNow))

	_, err = s.UpdateRequest(ctx, next, got.UpdatedAt)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.DeleteRequest(ctx, "req-1"))
	_, err = s.GetRequest(ctx, "req-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRequest(ctx, "req-1"), ErrNotFound)

	_, err = s.UpdateRequest(ctx, next, next.UpdatedAt)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCommentsOrderedAndCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.CreateRequest(ctx, testRequest("req-1", "Alice", lifecycle.StatusNotStarted, testNow))
	require.NoError(t, err)

	for i, content := range []string{"third", "first", "second"} {
		offset := map[int]time.Duration{0: 2 * time.Hour, 1: 0, 2: time.Hour}[i]
		_, err := s.AppendComment(ctx, lifecycle.Comment{
			ID:        fmt.Sprintf("c-%d", i),
			RequestID: "req-1",
			Content:   content,
			Author:    "Sam",
			CreatedAt: testNow.Add(offset),
		})
		require.NoError(t, err)
	}

	comments, err := s.ListComments(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "first", comments[0].Content)
	assert.Equal(t, "second", comments[1].Content)
	assert.Equal(t, "third", comments[2].Content)

	_, err = s.AppendComment(ctx, lifecycle.Comment{ID: "c-x", RequestID: "missing", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteRequest(ctx, "req-1"))
	comments, err = s.ListComments(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, comments)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.CreateRequest(ctx, testRequest("req-1", "Alice", lifecycle.StatusNotStarted, testNow))
	require.NoError(t, err)
	_, err = s.AppendComment(ctx, lifecycle.Comment{ID: "c-1", RequestID: "req-1", Content: "hello", CreatedAt: testNow})
	require.NoError(t, err)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	got.Comments[0].Content = "mutated"
	got.RecipientName = "Mallory"

	again, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.RecipientName)
	assert.Equal(t, "hello", again.Comments[0].Content)
}

func TestMemoryStoreListRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	due := testNow.Add(-time.Hour)
	seed := []lifecycle.Request{
		testRequest("req-1", "Alice", lifecycle.StatusNotStarted, testNow),
		testRequest("req-2", "Bob", lifecycle.StatusCompleted, testNow.Add(time.Minute)),
		testRequest("req-3", "Carol", lifecycle.StatusInProgress, testNow.Add(2*time.Minute)),
	}
	seed[0].DueDate = &due
	seed[2].OrganizationName = strPtr("Acme Corp")
	for _, req := range seed {
		_, err := s.CreateRequest(ctx, req)
		require.NoError(t, err)
	}

	ids := func(requests []lifecycle.Request) []string {
		out := make([]string, 0, len(requests))
		for _, req := range requests {
			out = append(out, req.ID)
		}
		return out
	}

	open, err := s.ListRequests(ctx, lifecycle.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-3", "req-1"}, ids(open))

	all, err := s.ListRequests(ctx, lifecycle.Filter{IncludeCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-3", "req-2", "req-1"}, ids(all))

	completed, err := s.ListRequests(ctx, lifecycle.Filter{Statuses: []lifecycle.Status{lifecycle.StatusCompleted}})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-2"}, ids(completed))

	searched, err := s.ListRequests(ctx, lifecycle.Filter{Search: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-3"}, ids(searched))

	overdue, err := s.ListRequests(ctx, lifecycle.Filter{OverdueAt: &testNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids(overdue))

	paged, err := s.ListRequests(ctx, lifecycle.Filter{IncludeCompleted: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-2"}, ids(paged))

	beyond, err := s.ListRequests(ctx, lifecycle.Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[lifecycle.StatusCompleted])
	assert.Equal(t, 0, counts[lifecycle.StatusReadyForPickup])
}
