// Package tracker orchestrates request mutations: it reads the freshest
// state, runs it through the lifecycle rules and only then writes, retrying
// when another writer got there first.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/geekgifts/tracker/internal/blob"
	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/geekgifts/tracker/internal/metrics"
	"github.com/geekgifts/tracker/internal/store"
	"github.com/geekgifts/tracker/internal/ws"
	"github.com/sirupsen/logrus"
)

const defaultMaxRetries = 3

var (
	// ErrNotFound is returned for operations on a request that does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrConflict is returned when an update kept losing the version race.
	ErrConflict = store.ErrConflict
	// ErrNoAttachment is returned when a request carries no attachment.
	ErrNoAttachment = errors.New("request has no attachment")
)

// Store is the persistence surface the tracker needs.
type Store interface {
	GetRequest(ctx context.Context, id string) (*lifecycle.Request, error)
	ListRequests(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.Request, error)
	CreateRequest(ctx context.Context, req lifecycle.Request) (*lifecycle.Request, error)
	UpdateRequest(ctx context.Context, req lifecycle.Request, version time.Time) (*lifecycle.Request, error)
	DeleteRequest(ctx context.Context, id string) error
	AppendComment(ctx context.Context, comment lifecycle.Comment) (*lifecycle.Comment, error)
	ListComments(ctx context.Context, requestID string) ([]lifecycle.Comment, error)
	CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error)
}

// Publisher receives change events. *ws.Hub satisfies it.
type Publisher interface {
	Publish(event ws.Event) error
}

// Attachment is an uploaded file accompanying a request.
type Attachment struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Manager    *lifecycle.Manager
	Events     Publisher
	Logger     logrus.FieldLogger
	MaxRetries int
}

// Service is the single write path for requests, comments and attachments.
type Service struct {
	store      Store
	blobs      blob.Store
	manager    *lifecycle.Manager
	events     Publisher
	log        logrus.FieldLogger
	maxRetries int
}

// New builds a Service. blobs may be nil when attachments are disabled.
func New(s Store, blobs blob.Store, opts Options) *Service {
	svc := &Service{
		store:      s,
		blobs:      blobs,
		manager:    opts.Manager,
		events:     opts.Events,
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
	}
	if svc.manager == nil {
		svc.manager = lifecycle.NewManager()
	}
	if svc.log == nil {
		svc.log = logrus.StandardLogger()
	}
	if svc.maxRetries <= 0 {
		svc.maxRetries = defaultMaxRetries
	}
	return svc
}

// Get returns a request with its comments.
func (s *Service) Get(ctx context.Context, id string) (*lifecycle.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// RequestExists reports whether id names a stored request.
func (s *Service) RequestExists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns requests matching filter, newest first.
func (s *Service) List(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.Request, error) {
	return s.store.ListRequests(ctx, filter.Normalized())
}

// Overdue returns open requests whose due date is before at.
func (s *Service) Overdue(ctx context.Context, at time.Time) ([]lifecycle.Request, error) {
	return s.store.ListRequests(ctx, lifecycle.Filter{
		OverdueAt: &at,
		Limit:     lifecycle.MaxListLimit,
	})
}

// StatusCounts returns the number of requests in every status.
func (s *Service) StatusCounts(ctx context.Context) (map[lifecycle.Status]int, error) {
	return s.store.CountByStatus(ctx)
}

// Create validates input, stores the optional attachment and persists the
// new request. The attachment is removed again if the insert fails.
func (s *Service) Create(ctx context.Context, input lifecycle.CreateRequest, attachment *Attachment) (*lifecycle.Request, error) {
	req, err := s.manager.NewRequest(input)
	if err != nil {
		recordValidationFailure(err)
		return nil, err
	}

	var key string
	if attachment != nil {
		key, err = s.putAttachment(ctx, req.ID, attachment)
		if err != nil {
			return nil, err
		}
		name := blob.SanitizeFilename(attachment.Filename)
		req.Filename = &name
	}

	created, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		if key != "" {
			s.removeBlob(ctx, key)
		}
		return nil, fmt.Errorf("create request: %w", err)
	}

	metrics.RecordRequestCreated()
	s.publish(ws.MessageRequestCreated, created.ID, created)
	return created, nil
}

// Update applies a partial update. Each attempt re-reads the request so the
// lifecycle rules always see the state being replaced.
func (s *Service) Update(ctx context.Context, id string, update lifecycle.RequestUpdate) (*lifecycle.Request, error) {
	var previous lifecycle.Status
	updated, err := s.writeWithRetry(ctx, id, func(current lifecycle.Request) (lifecycle.Request, error) {
		previous = current.Status
		return s.manager.ValidateTransition(current, update)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ws.MessageRequestUpdated, updated.ID, updated)
	if updated.Status != previous {
		metrics.RecordStatusTransition(string(previous), string(updated.Status))
		s.publish(ws.MessageRequestStatusChanged, updated.ID, map[string]string{
			"from": string(previous),
			"to":   string(updated.Status),
		})
	}
	return updated, nil
}

// Delete removes a request, its comments and any stored attachment.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRequest(ctx, id); err != nil {
		return err
	}
	if s.blobs != nil {
		infos, err := s.blobs.List(ctx, blob.RequestPrefix(id))
		if err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("listing attachments for deleted request failed")
		}
		for _, info := range infos {
			s.removeBlob(ctx, info.Key)
		}
	}
	s.publish(ws.MessageRequestDeleted, id, nil)
	return nil
}

// AddComment appends a comment to an existing request.
func (s *Service) AddComment(ctx context.Context, requestID, content, author string) (*lifecycle.Comment, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	comment, err := s.manager.AppendComment(*req, content, author)
	if err != nil {
		recordValidationFailure(err)
		return nil, err
	}
	stored, err := s.store.AppendComment(ctx, comment)
	if err != nil {
		return nil, err
	}

	metrics.RecordCommentAdded()
	s.publish(ws.MessageCommentAdded, requestID, stored)
	return stored, nil
}

// Comments lists a request's comments in chronological order.
func (s *Service) Comments(ctx context.Context, requestID string) ([]lifecycle.Comment, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, requestID)
}

// ReplaceAttachment stores a new attachment and points the request at it.
// The previous file is removed once the request has been rewritten.
func (s *Service) ReplaceAttachment(ctx context.Context, requestID string, attachment Attachment) (*lifecycle.Request, error) {
	if s.blobs == nil {
		return nil, errors.New("attachments are not configured")
	}
	current, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	key, err := s.putAttachment(ctx, requestID, &attachment)
	if err != nil {
		return nil, err
	}
	name := blob.SanitizeFilename(attachment.Filename)

	var previous *string
	updated, err := s.writeWithRetry(ctx, requestID, func(current lifecycle.Request) (lifecycle.Request, error) {
		previous = current.Filename
		next, err := s.manager.ValidateTransition(current, lifecycle.RequestUpdate{})
		if err != nil {
			return lifecycle.Request{}, err
		}
		next.Filename = &name
		return next, nil
	})
	if err != nil {
		if current.Filename == nil || blob.RequestKey(requestID, *current.Filename) != key {
			s.removeBlob(ctx, key)
		}
		return nil, err
	}

	if previous != nil {
		if oldKey := blob.RequestKey(requestID, *previous); oldKey != key {
			s.removeBlob(ctx, oldKey)
		}
	}
	s.publish(ws.MessageAttachmentUpdated, requestID, map[string]string{"filename": name})
	return updated, nil
}

// OpenAttachment returns the stored attachment of a request. The caller
// closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, requestID string) (blob.Info, io.ReadCloser, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return blob.Info{}, nil, err
	}
	if req.Filename == nil || s.blobs == nil {
		return blob.Info{}, nil, ErrNoAttachment
	}
	info, body, err := s.blobs.Get(ctx, blob.RequestKey(requestID, *req.Filename))
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Info{}, nil, ErrNoAttachment
	}
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("open attachment: %w", err)
	}
	return info, body, nil
}

func (s *Service) writeWithRetry(ctx context.Context, id string, apply func(lifecycle.Request) (lifecycle.Request, error)) (*lifecycle.Request, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := apply(*current)
		if err != nil {
			recordValidationFailure(err)
			return nil, err
		}

		updated, err := s.store.UpdateRequest(ctx, next, current.UpdatedAt)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		metrics.RecordUpdateConflict()
		if attempt >= s.maxRetries {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"attempt":    attempt,
		}).Debug("request changed underneath update, retrying")
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (s *Service) putAttachment(ctx context.Context, requestID string, attachment *Attachment) (string, error) {
	if s.blobs == nil {
		return "", errors.New("attachments are not configured")
	}
	key := blob.RequestKey(requestID, attachment.Filename)
	opts := blob.UploadOptions(attachment.Filename, attachment.ContentType)
	if _, err := s.blobs.Put(ctx, key, attachment.Body, opts); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	return key, nil
}

func (s *Service) removeBlob(ctx context.Context, key string) {
	if _, err := s.blobs.Delete(ctx, key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("attachment cleanup failed")
	}
}

func (s *Service) publish(kind ws.MessageType, requestID string, data interface{}) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ws.Event{
		Type:      kind,
		RequestID: requestID,
		Data:      data,
	})
	if err != nil {
		s.log.WithError(err).WithField("type", kind).Warn("event publish failed")
	}
}

func recordValidationFailure(err error) {
	var (
		statusErr *lifecycle.InvalidStatusError
		formatErr *lifecycle.FieldFormatError
	)
	_, missing := lifecycle.MissingFields(err)
	switch {
	case missing:
		metrics.RecordValidationFailure("missing_fields")
	case errors.As(err, &statusErr):
		metrics.RecordValidationFailure("invalid_status")
	case errors.As(err, &formatErr):
		metrics.RecordValidationFailure("invalid_field")
	case errors.Is(err, lifecycle.ErrEmptyComment):
		metrics.RecordValidationFailure("empty_comment")
	}
}
