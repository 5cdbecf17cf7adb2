package pipeline

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify maps any error onto the processing taxonomy. Structured codes from
// gRPC and Google API errors win; message heuristics are the last resort for
// collaborators that only hand back text.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "The operation timed out.", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, "The operation was cancelled before it finished.", err)
	}

	if kind, ok := classifyGRPC(err); ok {
		return NewError(kind, messageFor(kind), err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if kind, ok := classifyHTTPStatus(gerr.Code, gerr.Message); ok {
			return NewError(kind, messageFor(kind), err)
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return NewError(KindTimeout, messageFor(KindTimeout), err)
		}
		return NewError(KindNetworkError, messageFor(KindNetworkError), err)
	}

	kind := classifyMessage(rootMessage(err))
	return NewError(kind, messageFor(kind), err)
}

// rootMessage is the text of the innermost wrapped error. Wrappers add
// context such as document ids that must not feed the heuristics.
func rootMessage(err error) string {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err.Error()
		}
		err = inner
	}
}

func classifyGRPC(err error) (Kind, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return rateOrQuota(st.Message()), true
	case codes.Unavailable:
		return KindServiceBusy, true
	case codes.DeadlineExceeded:
		return KindTimeout, true
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindInvalidCredentials, true
	}
	return "", false
}

func classifyHTTPStatus(code int, message string) (Kind, bool) {
	switch code {
	case 429:
		return rateOrQuota(message), true
	case 502, 503:
		return KindServiceBusy, true
	case 408, 504:
		return KindTimeout, true
	case 401, 403:
		return KindInvalidCredentials, true
	}
	return "", false
}

// Per-minute quotas behave like rate limits and clear on their own.
func rateOrQuota(message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "per minute"), strings.Contains(msg, "per_minute"), strings.Contains(msg, "perminute"):
		return KindRateLimited
	case strings.Contains(msg, "quota"), strings.Contains(msg, "billing"), strings.Contains(msg, "insufficient credit"):
		return KindQuotaExceeded
	}
	return KindRateLimited
}

// statusToken matches an HTTP status reported in text, e.g. "status 429",
// "code=503" or "Error 403".
var statusToken = regexp.MustCompile(`\b(?:status|code|error)\s*[:=]?\s*(\d{3})\b`)

var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindInvalidCredentials, []string{"api key", "invalid credentials", "unauthorized", "unauthenticated", "permission denied"}},
	{KindRateLimited, []string{"rate limit", "ratelimit", "too many requests"}},
	{KindQuotaExceeded, []string{"quota", "billing", "insufficient credit"}},
	{KindServiceBusy, []string{"busy", "overloaded", "temporarily unavailable", "service unavailable"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetworkError, []string{"network", "connection reset", "connection refused", "no such host", "broken pipe", "unexpected eof"}},
}

func classifyMessage(message string) Kind {
	msg := strings.ToLower(message)
	if m := statusToken.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if kind, ok := classifyHTTPStatus(code, msg); ok {
			return kind
		}
	}
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				if rule.kind == KindQuotaExceeded {
					return rateOrQuota(msg)
				}
				return rule.kind
			}
		}
	}
	return KindInternal
}

func messageFor(kind Kind) string {
	switch kind {
	case KindTimeout:
		return "The operation timed out."
	case KindNetworkError:
		return "A network error occurred. Check the connection and try again."
	case KindRateLimited:
		return "The service is rate limiting requests. Please wait and try again."
	case KindServiceBusy:
		return "The service is temporarily busy. Please try again shortly."
	case KindQuotaExceeded:
		return "The service quota has been exceeded."
	case KindInvalidCredentials:
		return "The service rejected the configured credentials."
	default:
		return "An unexpected error occurred."
	}
}

// decodeReason derives a sub-reason from a PDF parser's error text.
func decodeReason(message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "password"):
		return ReasonPasswordProtected
	case strings.Contains(msg, "encrypt"):
		return ReasonEncrypted
	case strings.Contains(msg, "invalid pdf"), strings.Contains(msg, "malformed"),
		strings.Contains(msg, "corrupt"), strings.Contains(msg, "xref"),
		strings.Contains(msg, "not a pdf"), strings.Contains(msg, "header"):
		return ReasonMalformed
	}
	return ReasonUnknown
}

func decodeMessage(reason string) string {
	switch reason {
	case ReasonPasswordProtected:
		return "The PDF is password protected. Please upload an unprotected copy."
	case ReasonEncrypted:
		return "The PDF is encrypted and cannot be read. Please upload an unencrypted copy."
	case ReasonMalformed:
		return "The file is not a valid PDF or is corrupted."
	default:
		return "The PDF could not be decoded."
	}
}
