package authclient

import (
	"net/http"
	"strconv"
	"time"
)

// RetryReason names the condition a refresh repairs
type RetryReason string

const (
	RetryAuthExpired  RetryReason = "auth_expired"
	RetryCsrfMismatch RetryReason = "csrf_mismatch"
)

// StatusCsrfMismatch is the status the API uses for a stale anti-forgery
// token.
const StatusCsrfMismatch = 419

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeFatal
)

// outcome is the tagged result of classifying one attempt.
type outcome struct {
	kind   outcomeKind
	reason RetryReason
	err    *RequestError
}

func succeed() outcome                       { return outcome{kind: outcomeSuccess} }
func retryFor(reason RetryReason) outcome    { return outcome{kind: outcomeRetry, reason: reason} }
func fatal(err *RequestError) outcome        { return outcome{kind: outcomeFatal, err: err} }
func (o outcome) String() string             { return [...]string{"success", "retry", "fatal"}[o.kind] }
func (o outcome) isRetry(r RetryReason) bool { return o.kind == outcomeRetry && o.reason == r }

// classify maps one attempt onto success, a retry with a reason, or a
// terminal error. It never performs I/O.
func classify(req *Request, resp *Response, transportErr error, now time.Time) outcome {
	if transportErr != nil || resp == nil {
		return fatal(&RequestError{
			Kind:    KindNetwork,
			Message: MessageNetworkUnavailable,
			Err:     transportErr,
		})
	}

	status := resp.Status
	switch {
	case status >= 200 && status < 400:
		return succeed()

	case status == http.StatusUnauthorized:
		return retryFor(RetryAuthExpired)

	case status == StatusCsrfMismatch:
		return retryFor(RetryCsrfMismatch)

	case status == http.StatusTooManyRequests:
		message, _, _ := parseErrorBody(resp.Body)
		if message == "" {
			message = MessageRateLimited
		}
		return fatal(&RequestError{
			Kind:       KindRateLimited,
			Status:     status,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		})

	case status == http.StatusUnprocessableEntity:
		field, message := extractValidation(resp.Body)
		return fatal(&RequestError{
			Kind:    KindValidation,
			Status:  status,
			Field:   field,
			Message: message,
		})

	case status == http.StatusForbidden:
		message := extractMessage(resp.Body)
		if req != nil && req.Operation == OperationPasswordUpdate {
			message = MessageCurrentPasswordWrong
		}
		return fatal(&RequestError{
			Kind:    KindForbidden,
			Status:  status,
			Message: message,
		})
	}

	return fatal(&RequestError{
		Kind:    KindServer,
		Status:  status,
		Message: extractMessage(resp.Body),
	})
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
