package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

const defaultMaxBodySize = 16 * 1024

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// paginationFromQuery reads page_size and page_token query parameters.
func paginationFromQuery(r *http.Request, defaultSize, maxSize int) domain.Pagination {
	page := domain.Pagination{
		PageSize:  defaultSize,
		PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil && size > 0 {
			page.PageSize = size
		}
	}
	if maxSize > 0 && page.PageSize > maxSize {
		page.PageSize = maxSize
	}
	return page
}
