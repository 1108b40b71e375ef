package gatekeeper

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

type RejectionKind string

const (
	// PolicyRejection is permanent: the client must not retry without
	// reconfiguration.
	PolicyRejection RejectionKind = "policy"
	// ThrottleRejection is transient: the client may retry after RetryAfter.
	ThrottleRejection RejectionKind = "throttle"

	MessageOriginNotAllowed = "CORS policy: Origin not allowed"
	MessageTooManyRequests  = "Too many requests"
)

// Rejection is a terminal gatekeeper decision written to the client.
type Rejection struct {
	Kind       RejectionKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.Kind == ThrottleRejection {
		return fmt.Sprintf("%s: %s (retry after %s)", r.Kind, r.Message, r.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func originRejection() *Rejection {
	return &Rejection{
		Kind:    PolicyRejection,
		Status:  http.StatusForbidden,
		Message: MessageOriginNotAllowed,
	}
}

func throttleRejection(retryAfter time.Duration) *Rejection {
	return &Rejection{
		Kind:       ThrottleRejection,
		Status:     http.StatusTooManyRequests,
		Message:    MessageTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// retryAfterSeconds rounds up so a client never retries before the reset.
func retryAfterSeconds(d, window time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	maxSecs := int(math.Ceil(window.Seconds()))
	if secs > maxSecs {
		secs = maxSecs
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

type errorBody struct {
	Error string `json:"error"`
}

func writeRejection(w http.ResponseWriter, rej *Rejection, window time.Duration) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if rej.Kind == ThrottleRejection {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(rej.RetryAfter, window)))
	}
	body, _ := json.Marshal(errorBody{Error: rej.Message})
	w.WriteHeader(rej.Status)
	_, _ = w.Write(body)
}
