package authclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Kind classifies every failure that leaves the request pipeline
type Kind string

const (
	KindNetwork            Kind = "network"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindSessionExpired     Kind = "session_expired"
	KindCsrfMismatch       Kind = "csrf_mismatch"
	KindValidation         Kind = "validation"
	KindRateLimited        Kind = "rate_limited"
	KindForbidden          Kind = "forbidden"
	KindServer             Kind = "server"
)

const (
	DefaultErrorMessage          = "An unexpected error occurred"
	MessageCurrentPasswordWrong  = "The current password is incorrect."
	MessageNetworkUnavailable    = "Unable to reach the server. Please check your connection."
	MessageRateLimited           = "Too many requests. Please try again later."
	MessageSessionExpired        = "Your session has expired. Please sign in again."
	MessageCsrfMismatch          = "Your page has expired. Please reload and try again."
	MessageInactivityLogout      = "You were signed out due to inactivity."
	MessageRegistrationSucceeded = "Registration successful! Please check your email to verify your account."
)

// RequestError is the normalized form of a failed call. Nothing past the
// pipeline looks at status codes or response bodies.
type RequestError struct {
	Kind       Kind
	Status     int
	Field      string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is, matched by Kind only.
var (
	ErrNetwork            = &RequestError{Kind: KindNetwork, Message: MessageNetworkUnavailable}
	ErrInvalidCredentials = &RequestError{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrSessionExpired     = &RequestError{Kind: KindSessionExpired, Message: MessageSessionExpired}
	ErrCsrfMismatch       = &RequestError{Kind: KindCsrfMismatch, Message: MessageCsrfMismatch}
	ErrValidation         = &RequestError{Kind: KindValidation, Message: "validation failed"}
	ErrRateLimited        = &RequestError{Kind: KindRateLimited, Message: MessageRateLimited}
	ErrForbidden          = &RequestError{Kind: KindForbidden, Message: "forbidden"}
	ErrServer             = &RequestError{Kind: KindServer, Message: DefaultErrorMessage}
)

// Error returns the user facing message.
func (e *RequestError) Error() string {
	if e == nil {
		return "request error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return DefaultErrorMessage
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any RequestError of the same kind.
func (e *RequestError) Is(target error) bool {
	var other *RequestError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// IsAuth reports whether the error belongs to the AuthError family.
func (e *RequestError) IsAuth() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindInvalidCredentials, KindSessionExpired, KindCsrfMismatch:
		return true
	}
	return false
}

// Metadata returns the structured details of the error.
func (e *RequestError) Metadata() map[string]any {
	if e == nil {
		return nil
	}
	meta := map[string]any{"kind": string(e.Kind)}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	if e.Field != "" {
		meta["field"] = e.Field
	}
	if e.RetryAfter > 0 {
		meta["retry_after"] = e.RetryAfter.String()
	}
	return meta
}

// TextCode returns the stable machine readable code for the kind.
func (e *RequestError) TextCode() string {
	if e == nil {
		return ""
	}
	return "AUTHCLIENT_" + strings.ToUpper(string(e.Kind))
}

// Rich converts the error into a go-errors value for callers that report
// errors through that package.
func (e *RequestError) Rich() *goerrors.Error {
	if e == nil {
		return nil
	}

	category := goerrors.CategoryInternal
	switch e.Kind {
	case KindInvalidCredentials, KindSessionExpired, KindCsrfMismatch, KindForbidden:
		category = goerrors.CategoryAuth
	case KindValidation:
		category = goerrors.CategoryValidation
	case KindRateLimited, KindNetwork:
		category = goerrors.CategoryOperation
	}

	var rich *goerrors.Error
	if e.Err != nil {
		rich = goerrors.Wrap(e.Err, category, e.Error())
	} else {
		rich = goerrors.New(e.Error(), category)
	}
	rich = rich.WithTextCode(e.TextCode())
	rich.WithMetadata(e.Metadata())
	return rich
}

// KindOf returns the Kind of err, or "" when err is not a RequestError.
func KindOf(err error) Kind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return ""
}

// IsAuthError reports whether err is an InvalidCredentials, SessionExpired
// or CsrfMismatch error.
func IsAuthError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.IsAuth()
}

// MessageOf returns the message to show for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Error()
	}
	return err.Error()
}

const (
	textCodeStorageFailed     = "CREDENTIAL_STORAGE_FAILED"
	textCodeInvalidTransition = "INVALID_SESSION_TRANSITION"
	textCodeInvalidConfig     = "INVALID_CLIENT_CONFIG"
)

// ErrResponseTooLarge is wrapped by the Server error returned for a response
// body over the read limit.
var ErrResponseTooLarge = errors.New("response body too large")

// ErrInvalidTransition is returned when a session state change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid session state transition", goerrors.CategoryConflict).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeConflict)

func invalidTransition(meta map[string]any) error {
	clone := ErrInvalidTransition.Clone()
	if clone == nil {
		clone = ErrInvalidTransition
	}
	return clone.WithMetadata(meta)
}

// IsStorageError reports whether err came from a failing storage backend.
func IsStorageError(err error) bool {
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.TextCode == textCodeStorageFailed
}

func storageError(err error, op string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, fmt.Sprintf("credential storage %s failed", op)).
		WithTextCode(textCodeStorageFailed)
}

// errorBody is the error payload shape of the API.
type errorBody struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Errors  json.RawMessage `json:"errors"`
}

// extractMessage returns the message to surface for a failed response.
// Precedence: plain string body, message, error, first entry of errors,
// then the generic fallback.
func extractMessage(body []byte) string {
	message, _, _ := parseErrorBody(body)
	if message != "" {
		return message
	}
	return DefaultErrorMessage
}

// extractValidation returns the field and message of the first validation
// error, falling back to the general message precedence.
func extractValidation(body []byte) (field, message string) {
	general, field, first := parseErrorBody(body)
	if first != "" {
		return field, first
	}
	if general != "" {
		return field, general
	}
	return field, DefaultErrorMessage
}

func parseErrorBody(body []byte) (general, field, first string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", "", ""
	}

	var str string
	if err := json.Unmarshal(trimmed, &str); err == nil {
		return str, "", ""
	}

	var parsed errorBody
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &parsed) != nil {
		// Plain text bodies are surfaced as is, HTML error pages are not.
		if trimmed[0] != '<' && trimmed[0] != '{' && trimmed[0] != '[' {
			return string(trimmed), "", ""
		}
		return "", "", ""
	}

	field, first = firstFieldError(parsed.Errors)
	switch {
	case parsed.Message != "":
		general = parsed.Message
	case parsed.Error != "":
		general = parsed.Error
	default:
		general = first
	}
	return general, field, first
}

// firstFieldError reads the first key of a field keyed errors object in
// document order, which a map decode would lose.
func firstFieldError(raw json.RawMessage) (field, message string) {
	if len(raw) == 0 {
		return "", ""
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return "", ""
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", ""
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", ""
		}
		key, _ := keyTok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return "", ""
		}

		var messages []string
		if json.Unmarshal(value, &messages) == nil {
			if len(messages) > 0 {
				return key, messages[0]
			}
			continue
		}

		var single string
		if json.Unmarshal(value, &single) == nil && single != "" {
			return key, single
		}
	}
	return "", ""
}
