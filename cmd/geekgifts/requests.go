package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/geekgifts/tracker/internal/client"
	"github.com/spf13/cobra"
)

func (c *cli) listCmd() *cobra.Command {
	var opts client.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests (open ones unless --all or --status is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			requests, err := c.client().ListRequests(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), requests)
				return nil
			}
			return printRequestTable(cmd.OutOrStdout(), requests)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.Statuses, "status", nil, "filter by status (repeatable or comma separated)")
	flags.BoolVar(&opts.IncludeCompleted, "all", false, "include completed requests")
	flags.StringVarP(&opts.Search, "search", "q", "", "free-text search")
	flags.BoolVar(&opts.Overdue, "overdue", false, "only requests past their due date")
	flags.IntVar(&opts.Limit, "limit", 0, "page size")
	flags.IntVar(&opts.Offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request with its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.client().GetRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), req)
				return nil
			}
			printRequestDetail(cmd.OutOrStdout(), req)
			return nil
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var (
		input    client.CreateInput
		filePath string
	)
	optional := map[string]**string{
		"organization":      &input.OrganizationName,
		"requestor-contact": &input.RequestorContact,
		"client-contact":    &input.ClientContact,
		"description":       &input.Description,
		"status":            &input.Status,
		"assign":            &input.Technician,
		"due":               &input.DueDate,
		"request-date":      &input.RequestDate,
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, dst := range optional {
				if cmd.Flags().Changed(name) {
					value, _ := cmd.Flags().GetString(name)
					*dst = &value
				}
			}

			var upload *client.Upload
			if filePath != "" {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer f.Close()
				upload = &client.Upload{Filename: filepath.Base(filePath), Body: f}
			}

			req, err := c.client().CreateRequest(cmd.Context(), input, upload)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), req)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created request %s for %s\n", req.ID, req.RecipientName)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&input.RecipientName, "recipient", "", "recipient name (required)")
	flags.String("organization", "", "organization name")
	flags.String("requestor-contact", "", "requestor contact")
	flags.String("client-contact", "", "client contact")
	flags.String("description", "", "description")
	flags.String("status", "", "initial status")
	flags.String("assign", "", "assigned technician")
	flags.String("due", "", "due date (YYYY-MM-DD)")
	flags.String("request-date", "", "request date (YYYY-MM-DD)")
	flags.StringVar(&filePath, "file", "", "attachment to upload with the request")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var (
		sets   []string
		clears []string
		status string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update request fields",
		Long: `Update request fields with --set field=value and --clear field.

Completing a request requires receipt_id, pickup_date, computer_model,
computer_type and computer_price to be set in the same update or already
stored on the request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFieldAssignments(sets, clears)
			if err != nil {
				return err
			}
			if status != "" {
				fields["status"] = &status
			}

			req, err := c.client().UpdateRequest(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), req)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated request %s (%s)\n", req.ID, req.Status.Label())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&sets, "set", nil, "field=value to set (repeatable)")
	flags.StringArrayVar(&clears, "clear", nil, "field to clear (repeatable)")
	flags.StringVar(&status, "status", "", "new status")
	return cmd
}

func (c *cli) commentCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "comment <id> <text...>",
		Short: "Add a comment to a request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comment, err := c.client().AddComment(cmd.Context(), args[0], strings.Join(args[1:], " "), author)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), comment)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added comment %s by %s\n", comment.ID, comment.Author)
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "comment author (defaults to the technician)")
	return cmd
}

func (c *cli) commentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comments <id>",
		Short: "List comments on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comments, err := c.client().ListComments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), comments)
				return nil
			}
			printComments(cmd.OutOrStdout(), comments)
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a request, its comments and its attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().DeleteRequest(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted request %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		opts   client.ListOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export requests as CSV (completed ones by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closeOut, err := openOutputFile(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := c.client().ExportCSV(cmd.Context(), opts, w); err != nil {
				_ = closeOut()
				return err
			}
			return closeOut()
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.Statuses, "status", nil, "statuses to export")
	flags.BoolVar(&opts.IncludeCompleted, "all", false, "export every status")
	flags.StringVarP(&opts.Search, "search", "q", "", "free-text search")
	flags.StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) attachmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachment",
		Short: "Download or replace a request attachment",
	}

	var output string
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Download the attachment (saved under its original name unless -o is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "-" {
				_, err := c.client().DownloadAttachment(cmd.Context(), args[0], cmd.OutOrStdout())
				return err
			}

			tmp, err := os.CreateTemp(".", ".geekgifts-download-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			name, err := c.client().DownloadAttachment(cmd.Context(), args[0], tmp)
			if closeErr := tmp.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			dest := output
			if dest == "" {
				dest = filepath.Base(name)
				if dest == "." || dest == string(filepath.Separator) || dest == "" {
					dest = args[0]
				}
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", dest)
			return nil
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "destination path, - for stdout")

	put := &cobra.Command{
		Use:   "put <id> <file>",
		Short: "Replace the attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			req, err := c.client().UploadAttachment(cmd.Context(), args[0], client.Upload{
				Filename: filepath.Base(args[1]),
				Body:     f,
			})
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				printJSONTo(cmd.OutOrStdout(), req)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to request %s\n", filepath.Base(args[1]), req.ID)
			return nil
		},
	}

	cmd.AddCommand(get, put)
	return cmd
}

// parseFieldAssignments builds the PATCH body. Cleared fields map to nil,
// which the API stores as empty.
func parseFieldAssignments(sets, clears []string) (map[string]*string, error) {
	fields := make(map[string]*string, len(sets)+len(clears))
	for _, raw := range sets {
		key, value, ok := strings.Cut(raw, "=")
		key = normalizeFieldName(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set expects field=value, got %q", raw)
		}
		value = strings.TrimSpace(value)
		fields[key] = &value
	}
	for _, raw := range clears {
		key := normalizeFieldName(raw)
		if key == "" {
			return nil, fmt.Errorf("--clear expects a field name")
		}
		if key == "status" || key == "recipient_name" {
			return nil, fmt.Errorf("%s cannot be cleared", key)
		}
		fields[key] = nil
	}
	return fields, nil
}

func normalizeFieldName(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
}
