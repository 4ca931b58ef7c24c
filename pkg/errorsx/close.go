package errorsx

import (
	"strings"
	"unicode/utf8"
)

// Websocket close codes used when a session ends.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	ClosePolicy        = 1008
	CloseInternalError = 1011
)

// maxCloseReason is the payload room left in a control frame after the code.
const maxCloseReason = 123

// CloseCode maps a terminating reason to the code the client observes.
func CloseCode(reason ReasonCode) int {
	switch reason {
	case ReasonClientClosed, ReasonBackendClosed:
		return CloseNormal
	case ReasonShutdown:
		return CloseGoingAway
	case ReasonUnauthorized:
		return ClosePolicy
	default:
		return CloseInternalError
	}
}

// CloseText renders a human-readable close reason naming the failure class.
// The result always fits a websocket close frame.
func CloseText(err error) string {
	if err == nil {
		return ""
	}
	reason := Reason(err)
	msg := strings.TrimSpace(err.Error())
	text := msg
	if reason != ReasonUnknown && !strings.HasPrefix(msg, string(reason)) {
		text = string(reason) + ": " + msg
	}
	return truncate(text, maxCloseReason)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
