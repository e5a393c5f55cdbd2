// Package responses formats successful API responses. Errors are rendered as
// RFC 7807 problem documents by common/errors.
package responses

import (
	"net/http"
	"time"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/gin-gonic/gin"
)

// Envelope wraps every successful body.
type Envelope struct {
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Message    string    `json:"message,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// PageInfo describes one page of a listing.
type PageInfo struct {
	Page         int   `json:"page"`
	Size         int   `json:"size"`
	TotalPages   int   `json:"total_pages"`
	TotalRecords int64 `json:"total_records"`
	HasNext      bool  `json:"has_next"`
	HasPrev      bool  `json:"has_prev"`
}

// NewPageInfo derives page counts; an empty listing still has one page.
func NewPageInfo(page, size int, total int64) *PageInfo {
	pages := 1
	if size > 0 && total > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return &PageInfo{
		Page:         page,
		Size:         size,
		TotalPages:   pages,
		TotalRecords: total,
		HasNext:      page < pages,
		HasPrev:      page > 1,
	}
}

// Write sends data with the given status inside the envelope.
func Write(c *gin.Context, status int, data any, msg string) {
	c.JSON(status, Envelope{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   c.GetString(apperrors.TraceIDKey),
	})
}

func Success(c *gin.Context, data any, msg ...string) {
	Write(c, http.StatusOK, data, first(msg))
}

func Created(c *gin.Context, data any, msg ...string) {
	Write(c, http.StatusCreated, data, first(msg))
}

// Accepted is used while the outcome is still being decided elsewhere.
func Accepted(c *gin.Context, data any, msg ...string) {
	Write(c, http.StatusAccepted, data, first(msg))
}

// Paginated sends one page of a listing.
func Paginated(c *gin.Context, data any, page *PageInfo) {
	c.JSON(http.StatusOK, Envelope{
		Success:    true,
		Data:       data,
		Pagination: page,
		Timestamp:  time.Now().UTC(),
		TraceID:    c.GetString(apperrors.TraceIDKey),
	})
}

func first(msg []string) string {
	if len(msg) > 0 {
		return msg[0]
	}
	return ""
}
