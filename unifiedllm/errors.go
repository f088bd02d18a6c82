package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64 // seconds
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// MalformedResponseError reports a provider reply whose tool-call structure
// could not be decoded.
type MalformedResponseError struct {
	SDKError
	Provider string
	Raw      string
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64, cause error) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: pe.SDKError}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		authErr      *AuthenticationError
		deniedErr    *AccessDeniedError
		notFoundErr  *NotFoundError
		invalidErr   *InvalidRequestError
		lengthErr    *ContextLengthError
		filterErr    *ContentFilterError
		configErr    *ConfigurationError
		abortErr     *AbortError
		malformedErr *MalformedResponseError
		rateErr      *RateLimitError
		serverErr    *ServerError
		networkErr   *NetworkError
		timeoutErr   *RequestTimeoutError
		providerErr  *ProviderError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &deniedErr), errors.As(err, &notFoundErr),
		errors.As(err, &invalidErr), errors.As(err, &lengthErr), errors.As(err, &filterErr),
		errors.As(err, &configErr), errors.As(err, &abortErr), errors.As(err, &malformedErr):
		return false
	case errors.As(err, &rateErr), errors.As(err, &serverErr), errors.As(err, &networkErr),
		errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &providerErr):
		return providerErr.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// IsMalformedResponse reports whether err carries a MalformedResponseError.
func IsMalformedResponse(err error) bool {
	var malformed *MalformedResponseError
	return errors.As(err, &malformed)
}

// retryAfterOf returns the provider-supplied Retry-After hint, if any.
func retryAfterOf(err error) *float64 {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return nil
}

// ClassifyTransportError converts an error coming out of an HTTP SDK into the
// unified hierarchy when no status code is available.
func ClassifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: provider + " network error", Cause: err}}
	}
	return classifyMessage(provider, err)
}

// classifyMessage classifies an error from its message text. It is the last
// resort for libraries that do not expose status codes.
func classifyMessage(provider string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: provider, StatusCode: status, Retryable: retryable,
		}
	}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server") || strings.Contains(lower, "overloaded"):
		return &ServerError{ProviderError: pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}

// IsBackendUnavailable reports whether err means the backend could not
// produce a usable response. Malformed responses are excluded.
func IsBackendUnavailable(err error) bool {
	return err != nil && !IsMalformedResponse(err)
}
