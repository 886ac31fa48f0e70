package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
)

// MemoryStore keeps requests in process memory. It backs tests and
// STORE_DRIVER=memory deployments and follows the same version rules as
// PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]lifecycle.Request
	comments map[string][]lifecycle.Comment
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]lifecycle.Request),
		comments: make(map[string][]lifecycle.Comment),
	}
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*lifecycle.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.withComments(req)
	return &out, nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.Request, error) {
	filter = filter.Normalized()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]lifecycle.Request, 0)
	for _, req := range s.requests {
		if filter.Matches(req) {
			matched = append(matched, req)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []lifecycle.Request{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]lifecycle.Request, 0, end-filter.Offset)
	for _, req := range matched[filter.Offset:end] {
		page = append(page, s.withComments(req))
	}
	return page, nil
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req lifecycle.Request) (*lifecycle.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return nil, ErrConflict
	}
	req = normalizeStored(req)
	req.Comments = nil
	s.requests[req.ID] = req

	out := s.withComments(req)
	return &out, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, req lifecycle.Request, version time.Time) (*lifecycle.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if !current.UpdatedAt.Equal(dbTime(version)) {
		return nil, ErrConflict
	}

	req = normalizeStored(req)
	req.CreatedAt = current.CreatedAt
	req.Comments = nil
	s.requests[req.ID] = req

	out := s.withComments(req)
	return &out, nil
}

func (s *MemoryStore) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; !ok {
		return ErrNotFound
	}
	delete(s.requests, id)
	delete(s.comments, id)
	return nil
}

func (s *MemoryStore) AppendComment(ctx context.Context, comment lifecycle.Comment) (*lifecycle.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[comment.RequestID]; !ok {
		return nil, ErrNotFound
	}
	comment.CreatedAt = dbTime(comment.CreatedAt)
	s.comments[comment.RequestID] = append(s.comments[comment.RequestID], comment)
	return &comment, nil
}

func (s *MemoryStore) ListComments(ctx context.Context, requestID string) ([]lifecycle.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyComments(requestID), nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[lifecycle.Status]int)
	for _, status := range lifecycle.Statuses() {
		counts[status] = 0
	}
	for _, req := range s.requests {
		counts[req.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) withComments(req lifecycle.Request) lifecycle.Request {
	req.Comments = s.copyComments(req.ID)
	return req
}

func (s *MemoryStore) copyComments(requestID string) []lifecycle.Comment {
	stored := s.comments[requestID]
	out := make([]lifecycle.Comment, len(stored))
	copy(out, stored)
	lifecycle.SortComments(out)
	return out
}

// normalizeStored mirrors what a round trip through Postgres does to a row.
func normalizeStored(req lifecycle.Request) lifecycle.Request {
	req.CreatedAt = dbTime(req.CreatedAt)
	req.UpdatedAt = dbTime(req.UpdatedAt)
	for _, field := range []**string{
		&req.OrganizationName, &req.RequestorContact, &req.ClientContact,
		&req.Description, &req.Technician, &req.Filename, &req.ReceiptID,
		&req.ComputerModel, &req.ComputerType, &req.ComputerPrice,
	} {
		*field = storedString(*field)
	}
	for _, field := range []**time.Time{&req.DueDate, &req.RequestDate, &req.PickupDate, &req.CompletedAt} {
		*field = storedTime(*field)
	}
	return req
}

func storedString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func storedTime(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	t := dbTime(*value)
	return &t
}
