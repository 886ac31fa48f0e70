package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/lib/pq"
)

const requestSelectColumns = "id, recipient_name, organization_name, requestor_contact, client_contact, description, status, technician, filename, due_date, request_date, receipt_id, pickup_date, computer_model, computer_type, computer_price, completed_at, created_at, updated_at"

const commentSelectColumns = "id, request_id, content, author, created_at"

const (
	getRequestSQL    = "SELECT " + requestSelectColumns + " FROM requests WHERE id = $1"
	requestExistsSQL = "SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)"
	createRequestSQL = `INSERT INTO requests (
		id, recipient_name, organization_name, requestor_contact, client_contact,
		description, status, technician, filename, due_date, request_date,
		receipt_id, pickup_date, computer_model, computer_type, computer_price,
		completed_at, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING ` + requestSelectColumns
	updateRequestSQL = `UPDATE requests SET
		recipient_name = $1, organization_name = $2, requestor_contact = $3,
		client_contact = $4, description = $5, status = $6, technician = $7,
		filename = $8, due_date = $9, request_date = $10, receipt_id = $11,
		pickup_date = $12, computer_model = $13, computer_type = $14,
		computer_price = $15, completed_at = $16, updated_at = $17
	WHERE id = $18 AND updated_at = $19
	RETURNING ` + requestSelectColumns
	deleteRequestSQL      = "DELETE FROM requests WHERE id = $1"
	countByStatusSQL      = "SELECT status, COUNT(*) FROM requests GROUP BY status"
	createCommentSQL      = "INSERT INTO comments (id, request_id, content, author, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING " + commentSelectColumns
	listCommentsSQL       = "SELECT " + commentSelectColumns + " FROM comments WHERE request_id = $1 ORDER BY created_at ASC, seq ASC"
	listCommentsForAnySQL = "SELECT " + commentSelectColumns + " FROM comments WHERE request_id = ANY($1) ORDER BY created_at ASC, seq ASC"
)

// PostgresStore keeps requests and comments in Postgres.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore creates a PostgresStore with the given database connection.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetRequest retrieves a request and its comments.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*lifecycle.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, getRequestSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	comments, err := s.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Comments = comments

	return &req, nil
}

// ListRequests returns requests matching filter, newest first, each with
// its comments.
func (s *PostgresStore) ListRequests(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.Request, error) {
	query, args := buildListRequestsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := make([]lifecycle.Request, 0)
	ids := make([]string, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
		ids = append(ids, req.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading requests: %w", err)
	}

	if len(ids) == 0 {
		return requests, nil
	}

	byRequest, err := s.listCommentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		if comments, ok := byRequest[requests[i].ID]; ok {
			requests[i].Comments = comments
		}
	}

	return requests, nil
}

// CreateRequest inserts a request built by the lifecycle manager.
func (s *PostgresStore) CreateRequest(ctx context.Context, req lifecycle.Request) (*lifecycle.Request, error) {
	args := []interface{}{
		req.ID,
		req.RecipientName,
		nullableString(req.OrganizationName),
		nullableString(req.RequestorContact),
		nullableString(req.ClientContact),
		nullableString(req.Description),
		string(req.Status),
		nullableString(req.Technician),
		nullableString(req.Filename),
		nullableTime(req.DueDate),
		nullableTime(req.RequestDate),
		nullableString(req.ReceiptID),
		nullableTime(req.PickupDate),
		nullableString(req.ComputerModel),
		nullableString(req.ComputerType),
		nullableString(req.ComputerPrice),
		nullableTime(req.CompletedAt),
		dbTime(req.CreatedAt),
		dbTime(req.UpdatedAt),
	}

	created, err := scanRequest(s.db.QueryRowContext(ctx, createRequestSQL, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	created.Comments = []lifecycle.Comment{}

	return &created, nil
}

// UpdateRequest writes req if the stored row still carries version as its
// updated_at. A stale version yields ErrConflict.
func (s *PostgresStore) UpdateRequest(ctx context.Context, req lifecycle.Request, version time.Time) (*lifecycle.Request, error) {
	args := []interface{}{
		req.RecipientName,
		nullableString(req.OrganizationName),
		nullableString(req.RequestorContact),
		nullableString(req.ClientContact),
		nullableString(req.Description),
		string(req.Status),
		nullableString(req.Technician),
		nullableString(req.Filename),
		nullableTime(req.DueDate),
		nullableTime(req.RequestDate),
		nullableString(req.ReceiptID),
		nullableTime(req.PickupDate),
		nullableString(req.ComputerModel),
		nullableString(req.ComputerType),
		nullableString(req.ComputerPrice),
		nullableTime(req.CompletedAt),
		dbTime(req.UpdatedAt),
		req.ID,
		dbTime(version),
	}

	updated, err := scanRequest(s.db.QueryRowContext(ctx, updateRequestSQL, args...))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to update request: %w", err)
		}
		var exists bool
		if err := s.db.QueryRowContext(ctx, requestExistsSQL, req.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check request: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	comments, err := s.ListComments(ctx, updated.ID)
	if err != nil {
		return nil, err
	}
	updated.Comments = comments

	return &updated, nil
}

// DeleteRequest removes a request; its comments go with it.
func (s *PostgresStore) DeleteRequest(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, deleteRequestSQL, id)
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// AppendComment stores a comment built by the lifecycle manager.
func (s *PostgresStore) AppendComment(ctx context.Context, comment lifecycle.Comment) (*lifecycle.Comment, error) {
	created, err := scanComment(s.db.QueryRowContext(ctx, createCommentSQL,
		comment.ID,
		comment.RequestID,
		comment.Content,
		comment.Author,
		dbTime(comment.CreatedAt),
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return &created, nil
}

// ListComments returns the comments on a request in chronological order.
func (s *PostgresStore) ListComments(ctx context.Context, requestID string) ([]lifecycle.Comment, error) {
	rows, err := s.db.QueryContext(ctx, listCommentsSQL, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]lifecycle.Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading comments: %w", err)
	}

	return comments, nil
}

// CountByStatus returns how many requests sit in each status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, countByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[lifecycle.Status]int)
	for _, status := range lifecycle.Statuses() {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan request count: %w", err)
		}
		counts[lifecycle.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading request counts: %w", err)
	}

	return counts, nil
}

func (s *PostgresStore) listCommentsFor(ctx context.Context, ids []string) (map[string][]lifecycle.Comment, error) {
	rows, err := s.db.QueryContext(ctx, listCommentsForAnySQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	byRequest := make(map[string][]lifecycle.Comment, len(ids))
	for _, id := range ids {
		byRequest[id] = []lifecycle.Comment{}
	}
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		byRequest[comment.RequestID] = append(byRequest[comment.RequestID], comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading comments: %w", err)
	}

	return byRequest, nil
}

func buildListRequestsQuery(filter lifecycle.Filter) (string, []interface{}) {
	filter = filter.Normalized()

	conditions := []string{}
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	} else if !filter.IncludeCompleted {
		args = append(args, string(lifecycle.StatusCompleted))
		conditions = append(conditions, fmt.Sprintf("status <> $%d", len(args)))
	}

	if filter.OverdueAt != nil {
		args = append(args, filter.OverdueAt.UTC(), string(lifecycle.StatusCompleted))
		conditions = append(conditions, fmt.Sprintf("due_date < $%d AND status <> $%d", len(args)-1, len(args)))
	}

	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			"(recipient_name ILIKE $%d OR organization_name ILIKE $%d OR technician ILIKE $%d OR receipt_id ILIKE $%d)",
			n, n, n, n,
		))
	}

	query := "SELECT " + requestSelectColumns + " FROM requests"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return query, args
}

func scanRequest(scanner interface{ Scan(...any) error }) (lifecycle.Request, error) {
	var req lifecycle.Request
	var status string
	var organizationName, requestorContact, clientContact, description sql.NullString
	var technician, filename, receiptID sql.NullString
	var computerModel, computerType, computerPrice sql.NullString
	var dueDate, requestDate, pickupDate, completedAt sql.NullTime

	err := scanner.Scan(
		&req.ID,
		&req.RecipientName,
		&organizationName,
		&requestorContact,
		&clientContact,
		&description,
		&status,
		&technician,
		&filename,
		&dueDate,
		&requestDate,
		&receiptID,
		&pickupDate,
		&computerModel,
		&computerType,
		&computerPrice,
		&completedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return req, err
	}

	req.Status = lifecycle.Status(status)
	req.OrganizationName = stringPtr(organizationName)
	req.RequestorContact = stringPtr(requestorContact)
	req.ClientContact = stringPtr(clientContact)
	req.Description = stringPtr(description)
	req.Technician = stringPtr(technician)
	req.Filename = stringPtr(filename)
	req.ReceiptID = stringPtr(receiptID)
	req.ComputerModel = stringPtr(computerModel)
	req.ComputerType = stringPtr(computerType)
	req.ComputerPrice = stringPtr(computerPrice)
	req.DueDate = timePtr(dueDate)
	req.RequestDate = timePtr(requestDate)
	req.PickupDate = timePtr(pickupDate)
	req.CompletedAt = timePtr(completedAt)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	req.Comments = []lifecycle.Comment{}

	return req, nil
}

func scanComment(scanner interface{ Scan(...any) error }) (lifecycle.Comment, error) {
	var comment lifecycle.Comment
	err := scanner.Scan(
		&comment.ID,
		&comment.RequestID,
		&comment.Content,
		&comment.Author,
		&comment.CreatedAt,
	)
	if err != nil {
		return comment, err
	}
	comment.CreatedAt = comment.CreatedAt.UTC()
	return comment, nil
}
