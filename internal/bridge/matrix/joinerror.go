package matrix

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
)

// JoinErrorKind classifies why a room join failed.
type JoinErrorKind string

const (
	JoinErrorUnknownRoom         JoinErrorKind = "unknown_room"
	JoinErrorUnrecognizedRequest JoinErrorKind = "unrecognized_request"
	JoinErrorForbidden           JoinErrorKind = "forbidden"
	JoinErrorRateLimited         JoinErrorKind = "rate_limited"
	JoinErrorUnknownToken        JoinErrorKind = "unknown_token"
	JoinErrorOther               JoinErrorKind = "other"
)

// JoinError wraps a failed room join with a classified kind, so callers
// can branch on "already joined" vs. "actually missing" without string
// matching.
type JoinError struct {
	Kind    JoinErrorKind
	Status  int
	Message string
	Cause   error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *JoinError) Unwrap() error {
	return e.Cause
}

// classifyJoinError maps a mautrix error into a JoinError. Unrecognized
// errors become JoinErrorOther, never discarded.
func classifyJoinError(err error) *JoinError {
	if err == nil {
		return nil
	}

	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		je := &JoinError{Status: respErr.StatusCode, Message: respErr.Err, Cause: err}
		switch respErr.ErrCode {
		case mautrix.MNotFound.ErrCode:
			je.Kind = JoinErrorUnknownRoom
		case "M_UNRECOGNIZED":
			je.Kind = JoinErrorUnrecognizedRequest
		case mautrix.MForbidden.ErrCode:
			je.Kind = JoinErrorForbidden
		case mautrix.MLimitExceeded.ErrCode:
			je.Kind = JoinErrorRateLimited
		case mautrix.MUnknownToken.ErrCode:
			je.Kind = JoinErrorUnknownToken
		default:
			je.Kind = JoinErrorOther
		}
		return je
	}

	return &JoinError{Kind: JoinErrorOther, Message: err.Error(), Cause: err}
}
