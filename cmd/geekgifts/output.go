package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/geekgifts/tracker/internal/lifecycle"
)

func printJSONTo(out io.Writer, value interface{}) {
	payload, _ := json.MarshalIndent(value, "", "  ")
	fmt.Fprintln(out, string(payload))
}

func printRequestTable(out io.Writer, requests []lifecycle.Request) error {
	if len(requests) == 0 {
		fmt.Fprintln(out, "No requests.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRECIPIENT\tTECHNICIAN\tDUE")
	for _, req := range requests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			req.ID,
			req.Status.Label(),
			req.RecipientName,
			orDash(lifecycle.Deref(req.Technician)),
			orDash(formatDate(req.DueDate)),
		)
	}
	return tw.Flush()
}

func printRequestDetail(out io.Writer, req lifecycle.Request) {
	rows := []struct {
		label string
		value string
	}{
		{"ID", req.ID},
		{"Recipient", req.RecipientName},
		{"Organization", lifecycle.Deref(req.OrganizationName)},
		{"Requestor contact", lifecycle.Deref(req.RequestorContact)},
		{"Client contact", lifecycle.Deref(req.ClientContact)},
		{"Status", req.Status.Label()},
		{"Technician", lifecycle.Deref(req.Technician)},
		{"Request date", formatDate(req.RequestDate)},
		{"Due date", formatDate(req.DueDate)},
		{"Attachment", lifecycle.Deref(req.Filename)},
		{"Receipt ID", lifecycle.Deref(req.ReceiptID)},
		{"Pickup date", formatDate(req.PickupDate)},
		{"Computer model", lifecycle.Deref(req.ComputerModel)},
		{"Computer type", lifecycle.Deref(req.ComputerType)},
		{"Computer price", lifecycle.Deref(req.ComputerPrice)},
		{"Description", lifecycle.Deref(req.Description)},
	}
	for _, row := range rows {
		if row.value == "" {
			continue
		}
		fmt.Fprintf(out, "%-18s %s\n", row.label+":", row.value)
	}
	if len(req.Comments) > 0 {
		fmt.Fprintln(out)
		printComments(out, req.Comments)
	}
}

func printComments(out io.Writer, comments []lifecycle.Comment) {
	if len(comments) == 0 {
		fmt.Fprintln(out, "No comments.")
		return
	}
	for _, comment := range comments {
		fmt.Fprintf(out, "[%s] %s: %s\n", comment.CreatedAt.UTC().Format("2006-01-02 15:04"), comment.Author, comment.Content)
	}
}

func formatDate(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format("2006-01-02")
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
