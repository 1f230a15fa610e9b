package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// LockTakenMessage is what the server answers when a mutation collides with
// a task already holding the resource lock.
const LockTakenMessage = "Required lock is already taken"

// Error describes a failed request. Status is 0 for network failures.
type Error struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": %d %s", e.Status, http.StatusText(e.Status))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Conflict reports whether the server refused because of a held lock.
func (e *Error) Conflict() bool {
	return e.Status == http.StatusConflict || strings.Contains(e.Message, LockTakenMessage)
}

func classify(e *Error) error {
	switch {
	case e.Conflict():
		return xerrors.Mark(e, xerrors.KindConflict)
	case e.Temporary():
		return xerrors.Mark(e, xerrors.KindTransport)
	default:
		return e
	}
}

type errorBody struct {
	Error          json.RawMessage `json:"error"`
	DisplayMessage string          `json:"displayMessage"`
	Errors         json.RawMessage `json:"errors"`
}

// errorMessage extracts a human message from a failure body, falling back to
// a trimmed copy of the body.
func errorMessage(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		if eb.DisplayMessage != "" {
			return eb.DisplayMessage
		}
		if msg := rawMessage(eb.Error); msg != "" {
			return msg
		}
		if msg := rawMessage(eb.Errors); msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// embeddedError reports an error object carried by a 2xx response.
func embeddedError(raw []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil {
		return "", false
	}
	msg := rawMessage(eb.Error)
	return msg, msg != ""
}

// rawMessage flattens the shapes the server uses for errors: a string, a list
// of strings, or an object with message/full_messages.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	var obj struct {
		Message      string   `json:"message"`
		FullMessages []string `json:"full_messages"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if len(obj.FullMessages) > 0 {
			return strings.Join(obj.FullMessages, "; ")
		}
	}
	return string(raw)
}
