// Package errs maps application failures and request validation problems to
// HTTP error responses.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
)

// Error is the JSON body of every error response.
type Error struct {
	Code    int               `json:"-"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// New creates an Error with the given status code.
func New(code int, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}

// Newf creates an Error with a formatted message.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromDomain picks the HTTP status for an application error.
func FromDomain(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, clearing.ErrReleaseNotFound):
		return New(http.StatusNotFound, err)
	case errors.Is(err, clearing.ErrIllegalState),
		errors.Is(err, clearing.ErrConcurrentModification),
		errors.Is(err, clearing.ErrNoActiveProcess),
		errors.Is(err, clearing.ErrSourceNotScanned):
		return New(http.StatusConflict, err)
	case errors.Is(err, clearing.ErrToolNotConfigured):
		return New(http.StatusServiceUnavailable, err)
	case errors.Is(err, clearing.ErrRemoteFailure):
		return New(http.StatusBadGateway, err)
	default:
		return Newf(http.StatusInternalServerError, "internal error")
	}
}

// Write encodes err as the response.
func Write(w http.ResponseWriter, err error) {
	e := FromDomain(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	_ = json.NewEncoder(w).Encode(e)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
)

func initValidator() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	english := en.New()
	translator, _ = ut.New(english, english).GetTranslator("en")
	_ = entranslations.RegisterDefaultTranslations(validate, translator)
}

// Check validates the struct tags of v. Failures come back as a 400 Error
// with one translated message per field.
func Check(v any) error {
	validateOnce.Do(initValidator)

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		fields := make(map[string]string, len(verrs))
		for _, verr := range verrs {
			fields[verr.Field()] = verr.Translate(translator)
		}
		return &Error{Code: http.StatusBadRequest, Message: "data validation error", Fields: fields}
	}
	return nil
}
