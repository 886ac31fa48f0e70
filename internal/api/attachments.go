package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/geekgifts/tracker/internal/blob"
	"github.com/geekgifts/tracker/internal/tracker"
)

// GetAttachment handles GET /api/requests/{id}/attachment and streams the
// stored file back with its original name.
func (h *RequestHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	info, body, err := h.Service.OpenAttachment(r.Context(), id)
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": blob.OriginalFilename(info),
	}))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(info.ETag))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		h.log().WithError(err).WithField("request_id", id).Warn("attachment stream interrupted")
	}
}

// PutAttachment handles PUT /api/requests/{id}/attachment with a multipart
// "file" part, replacing any existing attachment.
func (h *RequestHandler) PutAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	limit := h.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1024)
	if err := r.ParseMultipartForm(limit); err != nil {
		sendUploadError(w, err, limit)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "missing file"})
		return
	}
	defer file.Close()
	if header.Size > limit {
		sendJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: uploadTooLargeMessage(limit)})
		return
	}

	updated, err := h.Service.ReplaceAttachment(r.Context(), id, tracker.Attachment{
		Filename:    header.Filename,
		ContentType: detectContentType(file, header.Filename, header.Header.Get("Content-Type")),
		Body:        file,
	})
	if err != nil {
		sendServiceError(w, h.log(), err)
		return
	}
	sendJSON(w, http.StatusOK, updated)
}

func sendUploadError(w http.ResponseWriter, err error, limit int64) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		sendJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: uploadTooLargeMessage(limit)})
		return
	}
	sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
}

func uploadTooLargeMessage(limit int64) string {
	return fmt.Sprintf("file too large (max %dMB)", limit>>20)
}

// detectContentType sniffs the first 512 bytes and rewinds the file. A
// declared type wins over the generic sniff result.
func detectContentType(file multipart.File, filename, declared string) string {
	buf := make([]byte, 512)
	n, _ := file.Read(buf)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "application/octet-stream"
	}
	if n == 0 {
		return "application/octet-stream"
	}

	sniffed := http.DetectContentType(buf[:n])
	if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return sniffed
	}
	if declared = strings.TrimSpace(declared); declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	}
	return sniffed
}
