// Package client is a typed HTTP client for the request tracker API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
)

const (
	DefaultBaseURL             = "http://localhost:4200"
	technicianHeader           = "X-Technician"
	maxClientResponseBodyBytes = 1 << 20
)

type Client struct {
	BaseURL    string
	Technician string
	HTTP       *http.Client
}

// RequestError is returned for any response with status >= 400.
type RequestError struct {
	StatusCode int
	Detail     string
	Missing    []string
	Invalid    map[string]string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "request failed"
	}
	detail := strings.TrimSpace(e.Detail)
	if len(e.Missing) > 0 {
		detail = strings.TrimSpace(detail + ": " + strings.Join(e.Missing, ", "))
	}
	fields := make([]string, 0, len(e.Invalid))
	for field := range e.Invalid {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		detail += "; " + e.Invalid[field]
	}
	if detail == "" {
		return fmt.Sprintf("request failed (%d)", e.StatusCode)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, detail)
}

func (e *RequestError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type ResponseDecodeError struct {
	StatusCode int
	Detail     string
}

func (e *ResponseDecodeError) Error() string {
	if e == nil {
		return "invalid response"
	}
	if strings.TrimSpace(e.Detail) == "" {
		return fmt.Sprintf("invalid response (%d)", e.StatusCode)
	}
	return fmt.Sprintf("invalid response (%d): %s", e.StatusCode, e.Detail)
}

func (e *ResponseDecodeError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// HTTPStatusCode returns the HTTP status carried by typed client errors.
func HTTPStatusCode(err error) (int, bool) {
	var statusErr interface {
		HTTPStatusCode() int
	}
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	status := statusErr.HTTPStatusCode()
	if status <= 0 {
		return 0, false
	}
	return status, true
}

func NewClient(baseURL, technician string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    normalizeAPIBaseURL(baseURL),
		Technician: strings.TrimSpace(technician),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListOptions mirrors the list and export query parameters.
type ListOptions struct {
	Statuses         []string
	IncludeCompleted bool
	Search           string
	Overdue          bool
	Limit            int
	Offset           int
}

func (o ListOptions) query() url.Values {
	values := url.Values{}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.IncludeCompleted {
		values.Set("include_completed", "true")
	}
	if search := strings.TrimSpace(o.Search); search != "" {
		values.Set("q", search)
	}
	if o.Overdue {
		values.Set("overdue", "true")
	}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	return values
}

// CreateInput is the body of a new request.
type CreateInput struct {
	RecipientName    string  `json:"recipient_name"`
	OrganizationName *string `json:"organization_name,omitempty"`
	RequestorContact *string `json:"requestor_contact,omitempty"`
	ClientContact    *string `json:"client_contact,omitempty"`
	Description      *string `json:"description,omitempty"`
	Status           *string `json:"status,omitempty"`
	Technician       *string `json:"technician,omitempty"`
	DueDate          *string `json:"due_date,omitempty"`
	RequestDate      *string `json:"request_date,omitempty"`
}

func (in CreateInput) formFields() map[string]string {
	fields := map[string]string{"recipient_name": in.RecipientName}
	optional := map[string]*string{
		"organization_name": in.OrganizationName,
		"requestor_contact": in.RequestorContact,
		"client_contact":    in.ClientContact,
		"description":       in.Description,
		"status":            in.Status,
		"technician":        in.Technician,
		"due_date":          in.DueDate,
		"request_date":      in.RequestDate,
	}
	for key, value := range optional {
		if value != nil {
			fields[key] = *value
		}
	}
	return fields
}

// Upload is a file sent with a request.
type Upload struct {
	Filename string
	Body     io.Reader
}

type requestsResponse struct {
	Requests []lifecycle.Request `json:"requests"`
}

type commentsResponse struct {
	Comments []lifecycle.Comment `json:"comments"`
}

func (c *Client) ListRequests(ctx context.Context, opts ListOptions) ([]lifecycle.Request, error) {
	path := "/api/requests"
	if query := opts.query().Encode(); query != "" {
		path += "?" + query
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp requestsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *Client) GetRequest(ctx context.Context, id string) (lifecycle.Request, error) {
	req, err := c.newRequest(ctx, http.MethodGet, requestPath(id), nil)
	if err != nil {
		return lifecycle.Request{}, err
	}
	var out lifecycle.Request
	if err := c.do(req, &out); err != nil {
		return lifecycle.Request{}, err
	}
	return out, nil
}

// CreateRequest posts a new request. With a non-nil upload the body is
// sent as multipart form data.
func (c *Client) CreateRequest(ctx context.Context, input CreateInput, upload *Upload) (lifecycle.Request, error) {
	if strings.TrimSpace(input.RecipientName) == "" {
		return lifecycle.Request{}, errors.New("recipient name is required")
	}

	var (
		req *http.Request
		err error
	)
	if upload == nil {
		req, err = c.newJSONRequest(ctx, http.MethodPost, "/api/requests", input)
	} else {
		req, err = c.newMultipartRequest(ctx, http.MethodPost, "/api/requests", input.formFields(), upload)
	}
	if err != nil {
		return lifecycle.Request{}, err
	}
	var out lifecycle.Request
	if err := c.do(req, &out); err != nil {
		return lifecycle.Request{}, err
	}
	return out, nil
}

// UpdateRequest sends a partial update. A nil value clears the field.
func (c *Client) UpdateRequest(ctx context.Context, id string, fields map[string]*string) (lifecycle.Request, error) {
	if len(fields) == 0 {
		return lifecycle.Request{}, errors.New("no fields to update")
	}
	req, err := c.newJSONRequest(ctx, http.MethodPatch, requestPath(id), fields)
	if err != nil {
		return lifecycle.Request{}, err
	}
	var out lifecycle.Request
	if err := c.do(req, &out); err != nil {
		return lifecycle.Request{}, err
	}
	return out, nil
}

func (c *Client) DeleteRequest(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, requestPath(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) AddComment(ctx context.Context, id, content, author string) (lifecycle.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return lifecycle.Comment{}, errors.New("comment content is required")
	}
	body := map[string]string{"content": content}
	if author = strings.TrimSpace(author); author != "" {
		body["author"] = author
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, requestPath(id)+"/comments", body)
	if err != nil {
		return lifecycle.Comment{}, err
	}
	var out lifecycle.Comment
	if err := c.do(req, &out); err != nil {
		return lifecycle.Comment{}, err
	}
	return out, nil
}

func (c *Client) ListComments(ctx context.Context, id string) ([]lifecycle.Comment, error) {
	req, err := c.newRequest(ctx, http.MethodGet, requestPath(id)+"/comments", nil)
	if err != nil {
		return nil, err
	}
	var resp commentsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

func (c *Client) UploadAttachment(ctx context.Context, id string, upload Upload) (lifecycle.Request, error) {
	req, err := c.newMultipartRequest(ctx, http.MethodPut, requestPath(id)+"/attachment", nil, &upload)
	if err != nil {
		return lifecycle.Request{}, err
	}
	var out lifecycle.Request
	if err := c.do(req, &out); err != nil {
		return lifecycle.Request{}, err
	}
	return out, nil
}

// DownloadAttachment copies the attachment into w and returns its filename.
func (c *Client) DownloadAttachment(ctx context.Context, id string, w io.Writer) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, requestPath(id)+"/attachment", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.stream(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	filename := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return filename, nil
}

// ExportCSV streams the CSV export into w.
func (c *Client) ExportCSV(ctx context.Context, opts ListOptions, w io.Writer) error {
	path := "/api/requests/export.csv"
	if query := opts.query().Encode(); query != "" {
		path += "?" + query
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/csv")
	resp, err := c.stream(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func requestPath(id string) string {
	return "/api/requests/" + url.PathEscape(strings.TrimSpace(id))
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	baseURL := normalizeAPIBaseURL(c.BaseURL)
	if baseURL == "" {
		return nil, errors.New("missing API base URL")
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if technician := strings.TrimSpace(c.Technician); technician != "" {
		req.Header.Set(technicianHeader, technician)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newMultipartRequest(ctx context.Context, method, path string, fields map[string]string, upload *Upload) (*http.Request, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, err
		}
	}
	if upload != nil {
		part, err := writer.CreateFormFile("file", upload.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, upload.Body); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// stream performs req and returns the open response for a 2xx status.
func (c *Client) stream(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxClientResponseBodyBytes))
		return nil, newRequestError(resp, payload)
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxClientResponseBodyBytes))
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 400 {
		return newRequestError(resp, payload)
	}

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return io.EOF
	}
	if err := json.Unmarshal(payload, out); err != nil {
		detail := classifyDecodeErrorDetail(resp.Header.Get("Content-Type"), payload)
		if detail == "" {
			detail = fmt.Sprintf("invalid JSON response: %v", err)
		}
		return &ResponseDecodeError{
			StatusCode: resp.StatusCode,
			Detail:     detail,
		}
	}
	return nil
}

func newRequestError(resp *http.Response, payload []byte) *RequestError {
	contentType := resp.Header.Get("Content-Type")
	reqErr := &RequestError{
		StatusCode: resp.StatusCode,
		Detail:     summarizeResponseBody(contentType, payload),
	}
	if looksLikeJSONContent(contentType, strings.TrimSpace(string(payload))) {
		var body struct {
			Missing []string          `json:"missing"`
			Invalid map[string]string `json:"invalid"`
		}
		if err := json.Unmarshal(payload, &body); err == nil {
			reqErr.Missing = body.Missing
			reqErr.Invalid = body.Invalid
		}
	}
	return reqErr
}

func summarizeResponseBody(contentType string, payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return ""
	}
	if isLikelyHTMLResponse(contentType, trimmed) {
		return "html response body omitted"
	}
	if msg, ok := extractJSONErrorSummary(payload, contentType); ok {
		return msg
	}
	return truncateResponseText(trimmed, 200)
}

func classifyDecodeErrorDetail(contentType string, payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "empty response body"
	}
	if isLikelyHTMLResponse(contentType, trimmed) {
		return "expected JSON response but received HTML"
	}
	if !looksLikeJSONContent(contentType, trimmed) {
		return "expected JSON response but received non-JSON body"
	}
	return ""
}

func extractJSONErrorSummary(payload []byte, contentType string) (string, bool) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || !looksLikeJSONContent(contentType, trimmed) {
		return "", false
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", false
	}

	for _, key := range []string{"error", "message", "detail"} {
		value, ok := body[key].(string)
		if !ok {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return truncateResponseText(value, 200), true
		}
	}
	return "", false
}

func looksLikeJSONContent(contentType, body string) bool {
	if isJSONContentType(contentType) {
		return true
	}
	if body == "" {
		return false
	}
	return strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[")
}

func isJSONContentType(contentType string) bool {
	value := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if value == "" {
		return false
	}
	return value == "application/json" || value == "text/json" || strings.HasSuffix(value, "+json")
}

func isLikelyHTMLResponse(contentType, body string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml") {
		return true
	}
	lowerBody := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(lowerBody, "<!doctype html") || strings.HasPrefix(lowerBody, "<html")
}

func truncateResponseText(value string, max int) string {
	collapsed := strings.Join(strings.Fields(value), " ")
	if len(collapsed) <= max {
		return collapsed
	}
	if max <= 3 {
		return collapsed[:max]
	}
	return collapsed[:max-3] + "..."
}

func normalizeAPIBaseURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		trimmed := strings.TrimRight(value, "/")
		return strings.TrimSuffix(trimmed, "/api")
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if strings.HasSuffix(parsed.Path, "/api") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/api")
	}
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return strings.TrimRight(parsed.String(), "/")
}
