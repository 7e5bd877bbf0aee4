package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Classification says whether retrying with identical inputs could plausibly succeed
type Classification string

const (
	Retryable Classification = "retryable"
	Terminal  Classification = "terminal"
)

// ErrEmptyOutput is returned when a prediction succeeds without any output reference
var ErrEmptyOutput = errors.New("provider returned no output")

// APIError is a provider-reported failure, either an HTTP error or a failed prediction
type APIError struct {
	StatusCode   int
	Status       string // prediction status ("failed", "canceled") when the call itself succeeded
	Detail       string
	PredictionID string
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Detail)
	case e.PredictionID != "":
		return fmt.Sprintf("prediction %s %s: %s", e.PredictionID, e.Status, e.Detail)
	default:
		return fmt.Sprintf("prediction %s: %s", e.Status, e.Detail)
	}
}

// Substrings of provider messages that mean the account cannot pay for the run
var billingMarkers = []string{
	"insufficient credit",
	"insufficient funds",
	"insufficient balance",
	"spend limit",
	"payment required",
}

// Classify maps a provider error to Terminal (out of funds) or Retryable (everything else).
// Throttling and server errors stay retryable whatever their message says.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusPaymentRequired:
			return Terminal
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= http.StatusInternalServerError:
			return Retryable
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range billingMarkers {
		if strings.Contains(msg, marker) {
			return Terminal
		}
	}
	return Retryable
}
