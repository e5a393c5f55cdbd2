package errors

import (
	"github.com/gin-gonic/gin"
)

// TraceIDKey is the gin context key holding the request trace id.
const TraceIDKey = "trace_id"

// HandleError renders any error as application/problem+json. Errors that are
// not *Error are reported as Internal without leaking their text.
func HandleError(c *gin.Context, err error) {
	instance := c.Request.URL.Path

	var problem *ProblemDetails
	var appErr *Error
	switch {
	case As(err, &problem):
	case As(err, &appErr):
		problem = appErr.ToProblemDetails(instance)
	default:
		problem = NewProblemDetails(KindInternal, "internal error", instance)
	}

	if traceID := c.GetString(TraceIDKey); traceID != "" {
		problem.WithTraceID(traceID)
	}
	if problem.Kind == KindInProgress {
		c.Header("Retry-After", "1")
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// Middleware renders the last error attached with c.Error when no response
// has been written yet.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && !c.Writer.Written() {
			HandleError(c, c.Errors.Last().Err)
		}
	}
}
