package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorUnauthenticated   = "SERVICE_UNAUTHENTICATED"
	ServiceErrorNotLinked         = "SERVICE_NOT_LINKED"
	ServiceErrorTransient         = "SERVICE_TRANSIENT"
	ServiceErrorReauthRequired    = "SERVICE_REAUTH_REQUIRED"
	ServiceErrorMalformed         = "SERVICE_MALFORMED_RESPONSE"
	ServiceErrorBadInput          = "SERVICE_BAD_INPUT"
	ServiceErrorProviderNotFound  = "SERVICE_PROVIDER_NOT_FOUND"
	ServiceErrorOAuthStateInvalid = "SERVICE_OAUTH_STATE_INVALID"
	ServiceErrorLinkConflict      = "SERVICE_LINK_CONFLICT"
	ServiceErrorRateLimited       = "SERVICE_RATE_LIMITED"
	ServiceErrorInternal          = "SERVICE_INTERNAL_ERROR"
)

// ErrorKind is the caller-facing failure taxonomy.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindUnauthenticated ErrorKind = "unauthenticated"
	ErrorKindNotLinked       ErrorKind = "not_linked"
	ErrorKindTransient       ErrorKind = "transient"
	ErrorKindReauthRequired  ErrorKind = "reauth_required"
	ErrorKindMalformed       ErrorKind = "malformed"
	ErrorKindInternal        ErrorKind = "internal"
)

var (
	ErrProviderNotFound = errors.New("core: provider not registered")
	ErrLinkNotFound     = errors.New("core: provider link not found")
	ErrVersionConflict  = errors.New("core: provider link version conflict")
)

func NewUnauthenticatedError() *goerrors.Error {
	return newServiceError("user identity is required", goerrors.CategoryAuth, ServiceErrorUnauthenticated)
}

func NewNotLinkedError(providerID string) *goerrors.Error {
	return newServiceError("provider is not linked", goerrors.CategoryNotFound, ServiceErrorNotLinked).
		WithMetadata(map[string]any{"provider_id": providerID})
}

func NewReauthRequiredError(providerID string, cause error) *goerrors.Error {
	return NewProviderError(ErrorKindReauthRequired, providerID, "provider requires the user to reconnect", cause)
}

// NewFieldError reports a rejected request field. scope prefixes the
// message, for example "command" or "query".
func NewFieldError(scope, field, message string) *goerrors.Error {
	return goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{Field: field, Message: message}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ServiceErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// NewWiringError reports a handler built without its dependency.
func NewWiringError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ServiceErrorInternal)
}

// NewProviderError builds a classified provider failure. Adapters return these
// so the core can route on kind without inspecting provider payloads.
func NewProviderError(kind ErrorKind, providerID, message string, cause error) *goerrors.Error {
	category, textCode := providerErrorEnvelope(kind)
	if strings.TrimSpace(message) == "" {
		message = "provider request failed"
	}
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	err = err.WithTextCode(textCode).WithCode(serviceHTTPStatusForTextCode(textCode, category))
	if providerID = strings.TrimSpace(providerID); providerID != "" {
		err = err.WithMetadata(map[string]any{"provider_id": providerID})
	}
	return err
}

func providerErrorEnvelope(kind ErrorKind) (goerrors.Category, string) {
	switch kind {
	case ErrorKindReauthRequired:
		return goerrors.CategoryAuthz, ServiceErrorReauthRequired
	case ErrorKindMalformed:
		return goerrors.CategoryExternal, ServiceErrorMalformed
	case ErrorKindNotLinked:
		return goerrors.CategoryNotFound, ServiceErrorNotLinked
	case ErrorKindUnauthenticated:
		return goerrors.CategoryAuth, ServiceErrorUnauthenticated
	default:
		return goerrors.CategoryExternal, ServiceErrorTransient
	}
}

// ClassifyError maps any error produced by the service or an adapter onto an
// ErrorKind. Context deadlines count as transient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.TextCode {
		case ServiceErrorUnauthenticated:
			return ErrorKindUnauthenticated
		case ServiceErrorNotLinked:
			return ErrorKindNotLinked
		case ServiceErrorTransient, ServiceErrorRateLimited:
			return ErrorKindTransient
		case ServiceErrorReauthRequired:
			return ErrorKindReauthRequired
		case ServiceErrorMalformed:
			return ErrorKindMalformed
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorKindTransient
	case errors.Is(err, ErrLinkNotFound):
		return ErrorKindNotLinked
	}
	return ErrorKindInternal
}

// ToServiceError returns err as a go-errors envelope carrying a service text
// code and HTTP status.
func ToServiceError(err error) *goerrors.Error {
	return serviceErrorMapper(err)
}

func IsReauthRequired(err error) bool {
	return ClassifyError(err) == ErrorKindReauthRequired
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrProviderNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorProviderNotFound)
	case errors.Is(err, ErrLinkNotFound):
		return newServiceError("provider is not linked", goerrors.CategoryNotFound, ServiceErrorNotLinked)
	case errors.Is(err, ErrVersionConflict):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorLinkConflict)
	case errors.Is(err, context.DeadlineExceeded):
		return newServiceError(err.Error(), goerrors.CategoryExternal, ServiceErrorTransient)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "oauth state"):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorOAuthStateInvalid)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ServiceErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatusForTextCode(err.TextCode, err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotLinked
	case goerrors.CategoryAuth:
		return ServiceErrorUnauthenticated
	case goerrors.CategoryAuthz:
		return ServiceErrorReauthRequired
	case goerrors.CategoryConflict:
		return ServiceErrorLinkConflict
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	case goerrors.CategoryExternal:
		return ServiceErrorTransient
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatusForTextCode(textCode string, category goerrors.Category) int {
	switch textCode {
	case ServiceErrorTransient:
		return http.StatusServiceUnavailable
	case ServiceErrorMalformed:
		return http.StatusBadGateway
	case ServiceErrorReauthRequired:
		return http.StatusForbidden
	case ServiceErrorOAuthStateInvalid:
		return http.StatusBadRequest
	}
	return serviceHTTPStatus(category)
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
