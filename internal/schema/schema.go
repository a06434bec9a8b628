// Package schema validates protocol requests and responses against the
// fixed wire shapes shared by the binary and HTTP surfaces. Validators
// report problems as error-string lists and never panic; callers decide
// how to surface them.
package schema

import (
	"fmt"

	"github.com/google/uuid"
)

// Request verbs handled by the server engine.
const (
	VerbCreate  = "CREATE"
	VerbDestroy = "DESTROY"
	VerbStat    = "STAT"
)

// Parameter sizes: session tokens are 191 random bytes url-safe encoded
// (255 chars), access tokens 93 bytes (124 chars).
const (
	ClientTokenLength = 255
	AccessTokenLength = 124
)

// Request is the decoded client request.
type Request struct {
	Verb       string            `json:"verb"`
	Parameters map[string]string `json:"parameters"`
}

// Response is the canonical server response envelope.
type Response struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
	Reason  string         `json:"reason,omitempty"`
}

// MakeResponse validates and canonicalizes a response tuple. A nil data
// map is normalized to an empty one so the wire form always carries a
// "data" object. Responses may not pair success with an error reason.
func MakeResponse(success bool, message string, data map[string]any, reason string) (Response, []string) {
	var errs []string
	if message == "" {
		errs = append(errs, "message must not be empty")
	}
	if success && reason != "" {
		errs = append(errs, "a successful response cannot carry an error reason")
	}
	if data == nil {
		data = map[string]any{}
	}
	return Response{
		Success: success,
		Message: message,
		Data:    data,
		Reason:  reason,
	}, errs
}

// VerifyRequest validates an inbound request and returns its canonical
// form along with any validation errors. The verb is upper-cased; verbs
// unknown to the dispatcher still pass here (the engine answers those
// with "Unhandled verb").
func VerifyRequest(req Request) (Request, []string) {
	var errs []string

	if req.Verb == "" {
		errs = append(errs, "verb must not be empty")
	}
	for _, c := range req.Verb {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			errs = append(errs, fmt.Sprintf("verb contains invalid character %q", c))
			break
		}
	}
	if len(req.Verb) > 16 {
		errs = append(errs, "verb is too long")
	}

	if req.Parameters == nil {
		req.Parameters = map[string]string{}
	}

	if tok, ok := req.Parameters["access_token"]; ok {
		if !isURLSafe(tok) || len(tok) != AccessTokenLength {
			errs = append(errs, "access_token has invalid format")
		}
	}

	if upper(req.Verb) == VerbDestroy {
		cu, ok := req.Parameters["container_uuid"]
		if !ok {
			errs = append(errs, "container_uuid is required")
		} else if !IsContainerUUID(cu) {
			errs = append(errs, "container_uuid is not a valid UUID")
		}

		ct, ok := req.Parameters["client_token"]
		if !ok {
			errs = append(errs, "client_token is required")
		} else if !isURLSafe(ct) || len(ct) != ClientTokenLength {
			errs = append(errs, "client_token has invalid format")
		}
	}

	req.Verb = upper(req.Verb)
	return req, errs
}

// IsContainerUUID reports whether s is a version 4 UUID.
func IsContainerUUID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4
}

func isURLSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
