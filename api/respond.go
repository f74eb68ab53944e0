package api

import (
	"encoding/json"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-calendar-links/core"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Category   string         `json:"category"`
	Code       int            `json:"code"`
	TextCode   string         `json:"text_code"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Validation []fieldError   `json:"validation,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err through the service error envelope. Internal
// failures never echo their cause.
func writeError(w http.ResponseWriter, err error) int {
	envelope := core.ToServiceError(err)
	if envelope == nil {
		envelope = core.ToServiceError(goerrors.New("unexpected error", goerrors.CategoryInternal))
	}
	status := envelope.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	message := envelope.Message
	if status >= 500 && envelope.TextCode == core.ServiceErrorInternal {
		message = "An unexpected error occurred"
	}
	var fields []fieldError
	for _, field := range envelope.AllValidationErrors() {
		fields = append(fields, fieldError{Field: field.Field, Message: field.Message})
	}
	writeJSON(w, status, errorBody{Error: errorPayload{
		Category:   string(envelope.Category),
		Code:       status,
		TextCode:   envelope.TextCode,
		Message:    message,
		Metadata:   envelope.Metadata,
		Validation: fields,
	}})
	return status
}
