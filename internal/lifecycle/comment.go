package lifecycle

import (
	"sort"
	"strings"
	"time"
)

// UnknownAuthor is stored when a comment is submitted without an author.
const UnknownAuthor = "unknown"

// Comment is an append-only note on a request.
type Comment struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendComment validates content and builds the comment to append to req.
// Content is trimmed; a blank author becomes UnknownAuthor.
func (m *Manager) AppendComment(req Request, content, author string) (Comment, error) {
	if strings.TrimSpace(req.ID) == "" {
		return Comment{}, ErrNoRequest
	}
	body := strings.TrimSpace(content)
	if body == "" {
		return Comment{}, ErrEmptyComment
	}
	name := strings.TrimSpace(author)
	if name == "" {
		name = UnknownAuthor
	}
	return Comment{
		ID:        m.newID(),
		RequestID: req.ID,
		Content:   body,
		Author:    name,
		CreatedAt: m.now(),
	}, nil
}

// SortComments orders comments chronologically, keeping insertion order for
// equal timestamps.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}
