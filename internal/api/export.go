package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
)

const exportDateLayout = "2006-01-02"

var exportHeader = []string{
	"ID",
	"Recipient",
	"Organization",
	"Status",
	"Technician",
	"Request Date",
	"Completed Date",
	"Receipt ID",
	"Pickup Date",
	"Model",
	"Type",
	"Price",
}

// Export handles GET /api/requests/export.csv. It takes the list filters
// but defaults to completed requests, and walks every page.
func (h *RequestHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseListFilter(r)
	if err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(filter.Statuses) == 0 && !filter.IncludeCompleted {
		filter.Statuses = []lifecycle.Status{lifecycle.StatusCompleted}
	}
	filter.Limit = lifecycle.MaxListLimit

	var rows []lifecycle.Request
	for offset := 0; ; offset += filter.Limit {
		filter.Offset = offset
		page, err := h.Service.List(r.Context(), filter)
		if err != nil {
			sendServiceError(w, h.log(), err)
			return
		}
		rows = append(rows, page...)
		if len(page) < filter.Limit {
			break
		}
	}

	filename := fmt.Sprintf("geek-gifts-requests-%s.csv", h.clock().Format(exportDateLayout))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := writeRequestsCSV(w, rows); err != nil {
		h.log().WithError(err).Warn("csv export interrupted")
	}
}

func writeRequestsCSV(w io.Writer, rows []lifecycle.Request) error {
	out := csv.NewWriter(w)
	if err := out.Write(exportHeader); err != nil {
		return err
	}
	for _, req := range rows {
		record := []string{
			req.ID,
			req.RecipientName,
			lifecycle.Deref(req.OrganizationName),
			req.Status.Label(),
			lifecycle.Deref(req.Technician),
			formatExportDate(req.RequestDate),
			formatExportDate(req.CompletedAt),
			lifecycle.Deref(req.ReceiptID),
			formatExportDate(req.PickupDate),
			lifecycle.Deref(req.ComputerModel),
			lifecycle.Deref(req.ComputerType),
			lifecycle.Deref(req.ComputerPrice),
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

func formatExportDate(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(exportDateLayout)
}
