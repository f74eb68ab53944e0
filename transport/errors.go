package transport

import (
	"net/http"

	"github.com/goliatone/go-calendar-links/core"
	goerrors "github.com/goliatone/go-errors"
)

// failure describes how a transport error surfaces through go-errors.
type failure struct {
	category goerrors.Category
	textCode string
	status   int
}

var (
	failMisconfigured = failure{goerrors.CategoryInternal, core.ServiceErrorInternal, http.StatusInternalServerError}
	failBadRequest    = failure{goerrors.CategoryBadInput, core.ServiceErrorBadInput, http.StatusBadRequest}
	failUnreachable   = failure{goerrors.CategoryExternal, core.ServiceErrorTransient, http.StatusServiceUnavailable}
	failOversized     = failure{goerrors.CategoryExternal, core.ServiceErrorMalformed, http.StatusBadGateway}
)

// raise builds an error of kind f. When cause is non-nil it is wrapped so
// callers can still reach it with errors.Is.
func (f failure) raise(cause error, message string, metadata map[string]any) error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, f.category, message)
	} else {
		err = goerrors.New(message, f.category)
	}
	err = err.WithCode(f.status).WithTextCode(f.textCode)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
