package iris

import "fmt"

// APIError is a non-retryable 4xx answer other than 404 and 429.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("iris api error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}
