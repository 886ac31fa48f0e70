package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/geekgifts/tracker/internal/blob"
	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/geekgifts/tracker/internal/store"
	"github.com/geekgifts/tracker/internal/ws"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvents struct {
	events []ws.Event
}

func (r *recordedEvents) Publish(event ws.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordedEvents) types() []ws.MessageType {
	out := make([]ws.MessageType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

// flakyStore loses the version race a fixed number of times and can be told
// to fail inserts.
type flakyStore struct {
	*store.MemoryStore
	conflicts   int
	updateCalls int
	createErr   error
}

func (f *flakyStore) UpdateRequest(ctx context.Context, req lifecycle.Request, version time.Time) (*lifecycle.Request, error) {
	f.updateCalls++
	if f.conflicts > 0 {
		f.conflicts--
		return nil, store.ErrConflict
	}
	return f.MemoryStore.UpdateRequest(ctx, req, version)
}

func (f *flakyStore) CreateRequest(ctx context.Context, req lifecycle.Request) (*lifecycle.Request, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.MemoryStore.CreateRequest(ctx, req)
}

type fixture struct {
	svc    *Service
	store  *flakyStore
	blobs  *blob.MemoryStore
	events *recordedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	tick := 0
	ids := 0
	manager := &lifecycle.Manager{
		Now: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Minute)
		},
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%03d", ids)
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		blobs:  blob.NewMemory(),
		events: &recordedEvents{},
	}
	f.svc = New(f.store, f.blobs, Options{
		Manager:    manager,
		Events:     f.events,
		Logger:     logger,
		MaxRetries: 3,
	})
	return f
}

func strPtr(value string) *string {
	return &value
}

func completionUpdate() lifecycle.RequestUpdate {
	return lifecycle.RequestUpdate{
		Status:        strPtr("completed"),
		ReceiptID:     strPtr("R-1"),
		PickupDate:    strPtr("2024-01-01"),
		ComputerModel: strPtr("Dell 5480"),
		ComputerType:  strPtr("laptop"),
		ComputerPrice: strPtr("50"),
	}
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("stores request and publishes event", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{
			RecipientName: "  Ada Lovelace ",
			Technician:    strPtr(""),
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, "id-001", created.ID)
		assert.Equal(t, "Ada Lovelace", created.RecipientName)
		assert.Equal(t, lifecycle.StatusNotStarted, created.Status)
		assert.Nil(t, created.Technician)
		assert.Nil(t, created.Filename)

		stored, err := f.svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.RecipientName, stored.RecipientName)
		assert.Equal(t, []ws.MessageType{ws.MessageRequestCreated}, f.events.types())
		assert.Equal(t, created.ID, f.events.events[0].RequestID)
	})

	t.Run("completed initial status is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Create(ctx, lifecycle.CreateRequest{
			RecipientName: "Ada",
			Status:        strPtr("completed"),
		}, nil)

		missing, ok := lifecycle.MissingFields(err)
		require.True(t, ok)
		assert.Equal(t, []string{"receipt_id", "pickup_date", "computer_model", "computer_type", "computer_price"}, missing)

		list, err := f.svc.List(ctx, lifecycle.Filter{IncludeCompleted: true})
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Empty(t, f.events.events)
	})

	t.Run("stores attachment under request prefix", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, &Attachment{
			Filename:    "../intake form.pdf",
			ContentType: "application/pdf",
			Body:        strings.NewReader("%PDF"),
		})
		require.NoError(t, err)
		require.NotNil(t, created.Filename)
		assert.Equal(t, "intake form.pdf", *created.Filename)

		info, body, err := f.svc.OpenAttachment(ctx, created.ID)
		require.NoError(t, err)
		defer body.Close()
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "%PDF", string(data))
		assert.Equal(t, "requests/id-001/intake form.pdf", info.Key)
		assert.Equal(t, "application/pdf", info.ContentType)
	})

	t.Run("attachment is removed when insert fails", func(t *testing.T) {
		f := newFixture(t)
		f.store.createErr = errors.New("disk full")

		_, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, &Attachment{
			Filename: "photo.jpg",
			Body:     strings.NewReader("jpeg"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")

		infos, err := f.blobs.List(ctx, "requests/")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})
}

func TestServiceUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing completion fields leave the request untouched", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)

		_, err = f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{
			Status:    strPtr("completed"),
			ReceiptID: strPtr("R-1"),
		})
		missing, ok := lifecycle.MissingFields(err)
		require.True(t, ok)
		assert.Equal(t, []string{"pickup_date", "computer_model", "computer_type", "computer_price"}, missing)

		stored, err := f.svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusNotStarted, stored.Status)
		assert.Nil(t, stored.ReceiptID)
		assert.Equal(t, 0, f.store.updateCalls)
	})

	t.Run("completion publishes status change", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)

		updated, err := f.svc.Update(ctx, created.ID, completionUpdate())
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusCompleted, updated.Status)
		assert.Equal(t, "Laptop", lifecycle.Deref(updated.ComputerType))
		require.NotNil(t, updated.CompletedAt)
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

		assert.Equal(t, []ws.MessageType{
			ws.MessageRequestCreated,
			ws.MessageRequestUpdated,
			ws.MessageRequestStatusChanged,
		}, f.events.types())
		assert.Equal(t, map[string]string{"from": "not_started", "to": "completed"}, f.events.events[2].Data)
	})

	t.Run("reopening keeps completion fields", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)
		_, err = f.svc.Update(ctx, created.ID, completionUpdate())
		require.NoError(t, err)

		reopened, err := f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{Status: strPtr("in_progress")})
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusInProgress, reopened.Status)
		assert.Equal(t, "R-1", lifecycle.Deref(reopened.ReceiptID))
		assert.Nil(t, reopened.CompletedAt)
	})

	t.Run("field edit without status change publishes one event", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)

		_, err = f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{Technician: strPtr("Sam")})
		require.NoError(t, err)
		assert.Equal(t, []ws.MessageType{ws.MessageRequestCreated, ws.MessageRequestUpdated}, f.events.types())
	})

	t.Run("invalid status", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)

		_, err = f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{Status: strPtr("shipped")})
		var statusErr *lifecycle.InvalidStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, "shipped", statusErr.Value)
	})

	t.Run("retries lost version races", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)
		f.store.conflicts = 2

		updated, err := f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{Technician: strPtr("Sam")})
		require.NoError(t, err)
		assert.Equal(t, "Sam", lifecycle.Deref(updated.Technician))
		assert.Equal(t, 3, f.store.updateCalls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)
		f.store.conflicts = 10

		_, err = f.svc.Update(ctx, created.ID, lifecycle.RequestUpdate{Technician: strPtr("Sam")})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 3, f.store.updateCalls)
	})

	t.Run("unknown request", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Update(ctx, "missing", lifecycle.RequestUpdate{Technician: strPtr("Sam")})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestServiceComments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
	require.NoError(t, err)

	_, err = f.svc.AddComment(ctx, created.ID, "   ", "Tech A")
	require.ErrorIs(t, err, lifecycle.ErrEmptyComment)

	first, err := f.svc.AddComment(ctx, created.ID, " Picked up parts ", "")
	require.NoError(t, err)
	assert.Equal(t, "Picked up parts", first.Content)
	assert.Equal(t, lifecycle.UnknownAuthor, first.Author)

	_, err = f.svc.AddComment(ctx, created.ID, "Imaged the drive", "Tech A")
	require.NoError(t, err)

	comments, err := f.svc.Comments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "Picked up parts", comments[0].Content)
	assert.Equal(t, "Imaged the drive", comments[1].Content)

	_, err = f.svc.AddComment(ctx, "missing", "hello", "Tech A")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Comments(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, ws.MessageCommentAdded, f.events.events[len(f.events.events)-1].Type)
}

func TestServiceDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, &Attachment{
		Filename: "form.pdf",
		Body:     strings.NewReader("pdf"),
	})
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, created.ID, "note", "Sam")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, created.ID))

	_, err = f.svc.Get(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	comments, err := f.store.ListComments(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)
	infos, err := f.blobs.List(ctx, blob.RequestPrefix(created.ID))
	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Equal(t, ws.MessageRequestDeleted, f.events.events[len(f.events.events)-1].Type)

	require.ErrorIs(t, f.svc.Delete(ctx, created.ID), ErrNotFound)
}

func TestServiceAttachments(t *testing.T) {
	ctx := context.Background()

	t.Run("replace swaps the stored file", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, &Attachment{
			Filename: "old.pdf",
			Body:     strings.NewReader("old"),
		})
		require.NoError(t, err)

		updated, err := f.svc.ReplaceAttachment(ctx, created.ID, Attachment{
			Filename:    "new.png",
			ContentType: "image/png",
			Body:        strings.NewReader("new"),
		})
		require.NoError(t, err)
		assert.Equal(t, "new.png", lifecycle.Deref(updated.Filename))

		infos, err := f.blobs.List(ctx, blob.RequestPrefix(created.ID))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, blob.RequestKey(created.ID, "new.png"), infos[0].Key)
		assert.Equal(t, ws.MessageAttachmentUpdated, f.events.events[len(f.events.events)-1].Type)
	})

	t.Run("replace with the same name overwrites", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, &Attachment{
			Filename: "form.pdf",
			Body:     strings.NewReader("v1"),
		})
		require.NoError(t, err)

		_, err = f.svc.ReplaceAttachment(ctx, created.ID, Attachment{
			Filename: "form.pdf",
			Body:     strings.NewReader("v2"),
		})
		require.NoError(t, err)

		_, body, err := f.svc.OpenAttachment(ctx, created.ID)
		require.NoError(t, err)
		defer body.Close()
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("request without attachment", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Ada"}, nil)
		require.NoError(t, err)

		_, _, err = f.svc.OpenAttachment(ctx, created.ID)
		require.ErrorIs(t, err, ErrNoAttachment)
		_, _, err = f.svc.OpenAttachment(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("replace on unknown request stores nothing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ReplaceAttachment(ctx, "missing", Attachment{
			Filename: "x.pdf",
			Body:     strings.NewReader("x"),
		})
		require.ErrorIs(t, err, ErrNotFound)

		infos, err := f.blobs.List(ctx, "requests/")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})
}

func TestServiceQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	overdue, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Late", DueDate: strPtr("2024-03-01")}, nil)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Future", DueDate: strPtr("2024-04-01")}, nil)
	require.NoError(t, err)
	done, err := f.svc.Create(ctx, lifecycle.CreateRequest{RecipientName: "Done", DueDate: strPtr("2024-02-01")}, nil)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, done.ID, completionUpdate())
	require.NoError(t, err)

	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	late, err := f.svc.Overdue(ctx, at)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, overdue.ID, late[0].ID)

	counts, err := f.svc.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[lifecycle.StatusNotStarted])
	assert.Equal(t, 1, counts[lifecycle.StatusCompleted])
	assert.Equal(t, 0, counts[lifecycle.StatusInProgress])

	open, err := f.svc.List(ctx, lifecycle.Filter{})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	exists, err := f.svc.RequestExists(ctx, overdue.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = f.svc.RequestExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}
