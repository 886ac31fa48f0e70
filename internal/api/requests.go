package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geekgifts/tracker/internal/blob"
	"github.com/geekgifts/tracker/internal/lifecycle"
	"github.com/geekgifts/tracker/internal/middleware"
	"github.com/geekgifts/tracker/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const defaultMaxUploadBytes = 20 << 20

// RequestService is the tracker surface the HTTP handlers drive.
type RequestService interface {
	Get(ctx context.Context, id string) (*lifecycle.Request, error)
	List(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.Request, error)
	Create(ctx context.Context, input lifecycle.CreateRequest, attachment *tracker.Attachment) (*lifecycle.Request, error)
	Update(ctx context.Context, id string, update lifecycle.RequestUpdate) (*lifecycle.Request, error)
	Delete(ctx context.Context, id string) error
	AddComment(ctx context.Context, requestID, content, author string) (*lifecycle.Comment, error)
	Comments(ctx context.Context, requestID string) ([]lifecycle.Comment, error)
	ReplaceAttachment(ctx context.Context, requestID string, attachment tracker.Attachment) (*lifecycle.Request, error)
	OpenAttachment(ctx context.Context, requestID string) (blob.Info, io.ReadCloser, error)
}

// RequestHandler serves /api/requests.
type RequestHandler struct {
	Service        RequestService
	Logger         logrus.FieldLogger
	MaxUploadBytes int64
	now            func() time.Time
}

// RequestsResponse is the list payload.
type RequestsResponse struct {
	Requests []lifecycle.Request `json:"requests"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

// CommentsResponse is the comment list payload.
type CommentsResponse struct {
	RequestID string              `json:"request_id"`
	Comments  []lifecycle.Comment `json:"comments"`
}

type createRequestBody struct {
	RecipientName    string  `json:"recipient_name"`
	OrganizationName *string `json:"organization_name"`
	RequestorContact *string `json:"requestor_contact"`
	ClientContact    *string `json:"client_contact"`
	Description      *string `json:"description"`
	Status           *string `json:"status"`
	Technician       *string `json:"technician"`
	DueDate          *string `json:"due_date"`
	RequestDate      *string `json:"request_date"`
}

func (b createRequestBody) toInput() lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		RecipientName:    b.RecipientName,
		OrganizationName: b.OrganizationName,
		RequestorContact: b.RequestorContact,
		ClientContact:    b.ClientContact,
		Description:      b.Description,
		Status:           b.Status,
		Technician:       b.Technician,
		DueDate:          b.DueDate,
		RequestDate:      b.RequestDate,
	}
}

type createCommentBody struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

func (h *RequestHandler) log() logrus.FieldLogger {
	if h.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.Logger
}

func (h *RequestHandler) maxUploadBytes() int64 {
	if h.MaxUploadBytes <= 0 {
		return defaultMaxUploadBytes
	}
	return h.MaxUploadBytes
}

func (h *RequestHandler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

// List handles GET /api/requests
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseListFilter(r)
	if err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	requests, err := h.Service.List(r.Context(), filter)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}

	filter = filter.Normalized()
	sendJSON(w, http.StatusOK, RequestsResponse{
		Requests: requests,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

// Create handles POST /api/requests. It accepts JSON or a multipart form
// with an optional "file" part.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.createMultipart(w, r)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	created, err := h.Service.Create(r.Context(), body.toInput(), nil)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusCreated, created)
}

func (h *RequestHandler) createMultipart(w http.ResponseWriter, r *http.Request) {
	limit := h.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1024)
	if err := r.ParseMultipartForm(limit); err != nil {
		sendUploadError(w, err, limit)
		return
	}
	defer r.MultipartForm.RemoveAll()

	input := lifecycle.CreateRequest{
		RecipientName:    r.FormValue("recipient_name"),
		OrganizationName: formField(r, "organization_name"),
		RequestorContact: formField(r, "requestor_contact"),
		ClientContact:    formField(r, "client_contact"),
		Description:      formField(r, "description"),
		Status:           formField(r, "status"),
		Technician:       formField(r, "technician"),
		DueDate:          formField(r, "due_date"),
		RequestDate:      formField(r, "request_date"),
	}

	var attachment *tracker.Attachment
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		if header.Size > limit {
			sendJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: uploadTooLargeMessage(limit)})
			return
		}
		attachment = &tracker.Attachment{
			Filename:    header.Filename,
			ContentType: detectContentType(file, header.Filename, header.Header.Get("Content-Type")),
			Body:        file,
		}
	case errors.Is(err, http.ErrMissingFile):
	default:
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid file"})
		return
	}

	created, err := h.Service.Create(r.Context(), input, attachment)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusCreated, created)
}

// Get handles GET /api/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	req, err := h.Service.Get(r.Context(), id)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusOK, req)
}

// Update handles PATCH and PUT /api/requests/{id}. Fields left out of the
// body are unchanged; null or "" clears a field.
func (h *RequestHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	update, err := parseRequestUpdate(raw)
	if err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	updated, err := h.Service.Update(r.Context(), id, update)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/requests/{id}
func (h *RequestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), id); err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListComments handles GET /api/requests/{id}/comments
func (h *RequestHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	comments, err := h.Service.Comments(r.Context(), id)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusOK, CommentsResponse{RequestID: id, Comments: comments})
}

// AddComment handles POST /api/requests/{id}/comments. Without an author in
// the body the X-Technician header is used.
func (h *RequestHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	var body createCommentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	author := firstNonEmpty(body.Author, middleware.TechnicianFromContext(r.Context()))

	comment, err := h.Service.AddComment(r.Context(), id, body.Content, author)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusCreated, comment)
}

func (h *RequestHandler) parseListFilter(r *http.Request) (lifecycle.Filter, error) {
	query := r.URL.Query()
	filter := lifecycle.Filter{
		Search: strings.TrimSpace(firstNonEmpty(query.Get("q"), query.Get("search"))),
	}

	statuses, err := parseStatuses(query["status"])
	if err != nil {
		return lifecycle.Filter{}, err
	}
	filter.Statuses = statuses

	if raw := strings.TrimSpace(query.Get("include_completed")); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return lifecycle.Filter{}, errors.New("invalid include_completed")
		}
		filter.IncludeCompleted = include
	}

	if raw := strings.TrimSpace(query.Get("overdue")); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			return lifecycle.Filter{}, errors.New("invalid overdue")
		}
		if overdue {
			at := h.clock()
			filter.OverdueAt = &at
		}
	}

	if filter.Limit, err = parseNonNegativeInt(query.Get("limit"), "limit"); err != nil {
		return lifecycle.Filter{}, err
	}
	if filter.Offset, err = parseNonNegativeInt(query.Get("offset"), "offset"); err != nil {
		return lifecycle.Filter{}, err
	}
	return filter, nil
}

// parseStatuses accepts repeated and comma separated status values.
func parseStatuses(values []string) ([]lifecycle.Status, error) {
	var statuses []lifecycle.Status
	seen := make(map[lifecycle.Status]bool)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := lifecycle.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			if !seen[status] {
				seen[status] = true
				statuses = append(statuses, status)
			}
		}
	}
	return statuses, nil
}

func parseNonNegativeInt(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid " + name)
	}
	return value, nil
}

// updateFields binds each JSON key to its slot in RequestUpdate.
var updateFields = []struct {
	key string
	get func(*lifecycle.RequestUpdate) **string
}{
	{"recipient_name", func(u *lifecycle.RequestUpdate) **string { return &u.RecipientName }},
	{"organization_name", func(u *lifecycle.RequestUpdate) **string { return &u.OrganizationName }},
	{"requestor_contact", func(u *lifecycle.RequestUpdate) **string { return &u.RequestorContact }},
	{"client_contact", func(u *lifecycle.RequestUpdate) **string { return &u.ClientContact }},
	{"description", func(u *lifecycle.RequestUpdate) **string { return &u.Description }},
	{"status", func(u *lifecycle.RequestUpdate) **string { return &u.Status }},
	{"technician", func(u *lifecycle.RequestUpdate) **string { return &u.Technician }},
	{"due_date", func(u *lifecycle.RequestUpdate) **string { return &u.DueDate }},
	{"request_date", func(u *lifecycle.RequestUpdate) **string { return &u.RequestDate }},
	{"receipt_id", func(u *lifecycle.RequestUpdate) **string { return &u.ReceiptID }},
	{"pickup_date", func(u *lifecycle.RequestUpdate) **string { return &u.PickupDate }},
	{"computer_model", func(u *lifecycle.RequestUpdate) **string { return &u.ComputerModel }},
	{"computer_type", func(u *lifecycle.RequestUpdate) **string { return &u.ComputerType }},
	{"computer_price", func(u *lifecycle.RequestUpdate) **string { return &u.ComputerPrice }},
}

func parseRequestUpdate(raw map[string]json.RawMessage) (lifecycle.RequestUpdate, error) {
	var update lifecycle.RequestUpdate
	for _, field := range updateFields {
		value, set, err := parseOptionalTextField(raw, field.key)
		if err != nil {
			return lifecycle.RequestUpdate{}, errors.New("invalid " + field.key)
		}
		if !set {
			continue
		}
		if value == nil {
			if field.key == "status" {
				return lifecycle.RequestUpdate{}, errors.New("status cannot be null")
			}
			cleared := ""
			value = &cleared
		}
		*field.get(&update) = value
	}
	return update, nil
}

// parseOptionalTextField is parseOptionalStringField that also accepts a
// bare JSON number, as sent for prices.
func parseOptionalTextField(raw map[string]json.RawMessage, key string) (*string, bool, error) {
	value, set, err := parseOptionalStringField(raw, key)
	if err == nil || !set {
		return value, set, err
	}
	var number json.Number
	if numErr := json.Unmarshal(raw[key], &number); numErr != nil {
		return nil, true, err
	}
	text := number.String()
	return &text, true, nil
}

func parseOptionalStringField(raw map[string]json.RawMessage, key string) (*string, bool, error) {
	value, ok := raw[key]
	if !ok {
		return nil, false, nil
	}
	if len(value) == 0 || string(value) == "null" {
		return nil, true, nil
	}
	var parsed string
	if err := json.Unmarshal(value, &parsed); err != nil {
		return nil, true, err
	}
	return &parsed, true, nil
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "missing request id"})
		return "", false
	}
	return id, true
}

// formField returns nil for a form key that was not submitted at all.
func formField(r *http.Request, key string) *string {
	if r.MultipartForm == nil {
		return nil
	}
	values, ok := r.MultipartForm.Value[key]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
