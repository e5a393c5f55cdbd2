package api

import (
	"errors"
	"io"
	"reflect"
	"strings"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var markupPolicy = bluemonday.StrictPolicy()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// nomarkup rejects identifiers that carry HTML, which would otherwise be
	// echoed back in responses and events.
	_ = v.RegisterValidation("nomarkup", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return markupPolicy.Sanitize(s) == s
	})
	return v
}

// bind decodes the JSON body into req and validates it. An empty body is
// treated as an empty object.
func (s *Server) bind(c *gin.Context, req any) error {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.ErrValidation.Explain("malformed request body")
	}
	if err := s.validator.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.ErrValidation.Explain("invalid request")
	}
	out := apperrors.ErrValidation.Explain("invalid request")
	for _, fe := range verrs {
		out = out.WithField(fieldName(fe), fieldMessage(fe))
	}
	return out
}

// fieldName strips the root struct name from the namespace, keeping nested
// paths such as auto_recharge.amount.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "uuid":
		return "must be a UUID"
	case "alpha":
		return "must contain letters only"
	case "nomarkup":
		return "must not contain markup"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func pathID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.ErrValidation.Explain("%s is not a valid id", name).WithField(name, "must be a UUID")
	}
	return id, nil
}
