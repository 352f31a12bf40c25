package emergency

import (
	"errors"
	"strings"

	"notifyrelay/internal/fault"
)

type classifiedError struct {
	typ FailureType
	err error
}

func (e *classifiedError) Error() string {
	if e.err == nil {
		return string(e.typ)
	}
	return string(e.typ) + ": " + e.err.Error()
}

func (e *classifiedError) Unwrap() []error { return []error{fault.ErrClassified, e.err} }

// Classified tags err with a known failure type. Classify honours the tag
// and errors.Is(err, fault.ErrClassified) reports true.
func Classified(t FailureType, err error) error {
	return &classifiedError{typ: t, err: err}
}

type keywordRule struct {
	typ   FailureType
	words []string
}

// Checked in order; the first hit wins.
var (
	strongKeywords = []keywordRule{
		{FailureMemory, []string{"out of memory", "memory", "overflow"}},
		{FailureRateLimit, []string{"rate limit", "ratelimit", "too many requests", "throttl"}},
	}
	// Database words are specific enough to beat "connection"; transport
	// words beat the auth and routing words that often appear alongside them.
	keywords = []keywordRule{
		{FailureDatabase, []string{"database", "sql", "storage", "persist", "disk", "deadlock"}},
		{FailureWebSocket, []string{"websocket", "connection", "socket", "transport", "disconnect", "handshake", "reconnect"}},
		{FailureDelivery, []string{"deliver", "emit"}},
		{FailureAuthentication, []string{"auth", "permission", "unauthorized", "forbidden", "credential", "jwt"}},
		{FailureRouting, []string{"namespace", "routing", "route"}},
	}
)

var componentTypes = map[string]FailureType{
	"transport":   FailureWebSocket,
	"websocket":   FailureWebSocket,
	"ws":          FailureWebSocket,
	"recovery":    FailureWebSocket,
	"router":      FailureDelivery,
	"delivery":    FailureDelivery,
	"storage":     FailureDatabase,
	"database":    FailureDatabase,
	"persistence": FailureDatabase,
	"auth":        FailureAuthentication,
	"registry":    FailureRouting,
	"namespace":   FailureRouting,
	"memory":      FailureMemory,
}

func matchKeywords(rules []keywordRule, text string) (FailureType, bool) {
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(text, w) {
				return r.typ, true
			}
		}
	}
	return "", false
}

// Classify maps a failure onto a FailureType. Explicit tags win, then
// memory and rate-limit wording, then the fault taxonomy, then the reporting
// component, then keywords in the error text. Anything left over is
// SYSTEM_OVERLOAD.
func Classify(err error, fc FailureContext) FailureType {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.typ
	}

	text := strings.ToLower(fc.Operation)
	if err != nil {
		text = strings.ToLower(err.Error()) + " " + text
	}
	if t, ok := matchKeywords(strongKeywords, text); ok {
		return t
	}

	comp := strings.ToLower(strings.TrimSpace(fc.Component))
	byComponent, hasComponent := componentTypes[comp]

	switch {
	case errors.Is(err, fault.ErrAuthorizationDenied):
		return FailureAuthentication
	case errors.Is(err, fault.ErrCapacityExceeded):
		return FailureRateLimit
	case errors.Is(err, fault.ErrExpired):
		return FailureDelivery
	case errors.Is(err, fault.ErrNotFound):
		return FailureRouting
	case errors.Is(err, fault.ErrTransportFailure):
		if hasComponent && byComponent == FailureDelivery {
			return FailureDelivery
		}
		return FailureWebSocket
	}

	if hasComponent {
		return byComponent
	}
	if t, ok := matchKeywords(keywords, text); ok {
		return t
	}
	return FailureOverload
}

// AssessLevel grades a failure. Overload and memory exhaustion are always
// critical; connection and persistence failures become high once more than
// ten users are affected.
func AssessLevel(t FailureType, fc FailureContext) Level {
	switch t {
	case FailureOverload, FailureMemory:
		return LevelCritical
	case FailureWebSocket, FailureDatabase:
		if len(fc.AffectedUsers) > 10 {
			return LevelHigh
		}
		return LevelMedium
	case FailureDelivery, FailureRouting:
		return LevelMedium
	default:
		return LevelLow
	}
}
