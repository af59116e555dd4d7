// Package handler provides HTTP handlers for the control plane API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/pkg/response"
)

// taskAccepted writes the 202 envelope shared by every task-producing
// endpoint. Domain fields ride along in extra.
func taskAccepted(w http.ResponseWriter, task *models.Task, message string, extra map[string]any) {
	body := map[string]any{
		"success":    true,
		"message":    message,
		"task_id":    task.ID,
		"status":     task.Status,
		"created_at": task.CreatedAt,
	}
	for k, v := range extra {
		body[k] = v
	}
	response.Accepted(w, body)
}

// pageParams reads limit and offset query parameters with bounds applied.
func pageParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// pagination builds the paging block attached to list responses.
func pagination(total int64, limit, offset int) response.Pagination {
	return response.Pagination{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+limit) < total,
	}
}
