package httpmw

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorBody is the JSON envelope for every error the API writes itself. Field
// order is part of the wire format.
type ErrorBody struct {
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// WriteError writes status with an ErrorBody stamped at now.
func WriteError(w http.ResponseWriter, status int, message string, now time.Time) {
	body, _ := json.Marshal(ErrorBody{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
