package store

import (
	"context"
	"testing"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()
	s := NewPostgresStore(db)

	created, err := s.CreateRequest(ctx, testRequest("req-1", "Alice", lifecycle.StatusNotStarted, testNow))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusNotStarted, created.Status)

	_, err = s.AppendComment(ctx, lifecycle.Comment{
		ID: "c-1", RequestID: "req-1", Content: "first", Author: "Sam", CreatedAt: testNow,
	})
	require.NoError(t, err)
	_, err = s.AppendComment(ctx, lifecycle.Comment{
		ID: "c-2", RequestID: "req-1", Content: "same instant", Author: "Sam", CreatedAt: testNow,
	})
	require.NoError(t, err)

	next := *created
	next.Status = lifecycle.StatusInProgress
	next.UpdatedAt = testNow.Add(time.Minute)
	updated, err := s.UpdateRequest(ctx, next, created.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, updated.Status)
	require.Len(t, updated.Comments, 2)
	assert.Equal(t, "first", updated.Comments[0].Content)
	assert.Equal(t, "same instant", updated.Comments[1].Content)

	_, err = s.UpdateRequest(ctx, next, created.UpdatedAt)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.AppendComment(ctx, lifecycle.Comment{
		ID: "c-3", RequestID: "missing", Content: "orphan", Author: "Sam", CreatedAt: testNow,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListRequests(ctx, lifecycle.Filter{Search: "ali"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Comments, 2)

	require.NoError(t, s.DeleteRequest(ctx, "req-1"))
	comments, err := s.ListComments(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, comments)
}
