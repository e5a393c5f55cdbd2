package errors

import (
	"net/http"
	"strings"
	"time"
)

const problemBase = "https://walletledger.dev/problems/"

// ProblemDetails represents an RFC 7807 Problem Details response with the
// wallet-specific kind and balance extension members.
type ProblemDetails struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Status    int          `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	Instance  string       `json:"instance,omitempty"`
	Kind      Kind         `json:"kind"`
	Balance   *int64       `json:"balance,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Errors    []FieldError `json:"errors,omitempty"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// NewProblemDetails builds a problem document for a kind.
func NewProblemDetails(kind Kind, detail, instance string) *ProblemDetails {
	status := HTTPStatus(kind)
	return &ProblemDetails{
		Type:      problemBase + slug(kind),
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// ToProblemDetails converts the error for an HTTP response
func (e *Error) ToProblemDetails(instance string) *ProblemDetails {
	detail := e.Message
	if detail == "" {
		detail = string(e.Kind)
	}
	p := NewProblemDetails(e.Kind, detail, instance)
	p.Balance = e.Balance
	p.Errors = e.Fields
	return p
}

// slug turns "InsufficientFunds" into "insufficient-funds".
func slug(kind Kind) string {
	var b strings.Builder
	for i, r := range string(kind) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
