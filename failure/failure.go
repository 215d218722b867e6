package failure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind tells the dispatcher what to do about a failed call.
type Kind int

const (
	// KindOther abandons the current model without retrying it.
	KindOther Kind = iota

	// KindAuth aborts the whole fallback chain.
	KindAuth

	// KindRateLimit moves on to the next model without retrying.
	KindRateLimit

	// KindTransient retries the same model with backoff.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	}
	return "other"
}

// StatusCoder is implemented by errors that know the HTTP status of the
// response they came from.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is what transports return for a vendor API failure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

// TimeoutError reports a call abandoned after its per-call deadline.
type TimeoutError struct {
	Model string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s exceeded timeout", e.Model)
}

var (
	authKeywords = []string{
		"unauthorized",
		"forbidden",
		"invalid api key",
		"api key not valid",
	}
	rateLimitKeywords = []string{
		"rate limit",
		"quota exceeded",
		"too many requests",
		"resource exhausted",
		"resource_exhausted",
	}
	timeoutKeywords = []string{
		"timeout",
		"timed out",
		"deadline",
	}
	transientKeywords = []string{
		"connection",
		"econnreset",
		"network",
		"temporarily unavailable",
		"service unavailable",
		"internal server error",
		"bad gateway",
	}

	statusPattern = regexp.MustCompile(`(?i)\b(?:status(?:\s*code)?|http|code|error)[\s:=]*([1-5]\d{2})\b`)
)

type envelope struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Classify decides the Kind of err from its status code and message.
// Auth wins over rate limiting, which wins over transient failures.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	code := StatusCode(err)
	message := strings.ToLower(Message(err))

	switch {
	case code == 401 || code == 403 || containsAny(message, authKeywords):
		return KindAuth
	case code == 429 || containsAny(message, rateLimitKeywords):
		return KindRateLimit
	case code >= 500 || timedOut(err, code, message) || isNetwork(err) || containsAny(message, transientKeywords):
		return KindTransient
	}
	return KindOther
}

// Tag is the label attached to health samples and metrics for err.
func Tag(err error) string {
	kind := Classify(err)
	if kind == KindTransient && timedOut(err, StatusCode(err), strings.ToLower(Message(err))) {
		return "timeout"
	}
	return kind.String()
}

// ShouldRetry reports whether the same model is worth another attempt.
func ShouldRetry(err error) bool {
	return Classify(err) == KindTransient
}

func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// timedOut also recognizes timeouts reported by the provider, such as a 504
// or a "Deadline expired" message.
func timedOut(err error, code int, message string) bool {
	return IsTimeout(err) || code == 408 || code == 504 || containsAny(message, timeoutKeywords)
}

func isNetwork(err error) bool {
	var netErr interface{ Temporary() bool }
	return errors.As(err, &netErr)
}

// StatusCode extracts the HTTP status associated with err, or 0.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	if env, ok := parseEnvelope(err.Error()); ok {
		if code := envelopeCode(env); code != 0 {
			return code
		}
	}
	if match := statusPattern.FindStringSubmatch(err.Error()); match != nil {
		code, _ := strconv.Atoi(match[1])
		return code
	}
	return 0
}

// Message returns the human-readable text of err. A JSON envelope of the
// form {"error":{"message":...}} anywhere in the text is unwrapped.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if env, ok := parseEnvelope(statusErr.Message); ok && env.Error.Message != "" {
			return env.Error.Message
		}
		return statusErr.Message
	}
	if env, ok := parseEnvelope(err.Error()); ok && env.Error.Message != "" {
		return env.Error.Message
	}
	return err.Error()
}

func parseEnvelope(text string) (envelope, bool) {
	var env envelope
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return env, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &env); err != nil {
		return env, false
	}
	return env, env.Error.Message != "" || env.Error.Code != nil
}

func envelopeCode(env envelope) int {
	switch code := env.Error.Code.(type) {
	case float64:
		return int(code)
	case string:
		parsed, _ := strconv.Atoi(code)
		return parsed
	}
	return 0
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
