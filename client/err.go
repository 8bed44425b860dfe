package client

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation")
	ErrInvalidSubject      = fmt.Errorf("invalid subject: %w", ErrValidation)
	ErrInvalidReply        = fmt.Errorf("invalid reply subject: %w", ErrValidation)
	ErrMaxControlLine      = fmt.Errorf("maximum control line exceeded: %w", ErrValidation)
	ErrMaxPayload          = fmt.Errorf("maximum payload exceeded: %w", ErrValidation)
	ErrHeadersNotSupported = fmt.Errorf("headers not supported by server: %w", ErrValidation)

	ErrParseProto = errors.New("parse proto")

	ErrTransport  = errors.New("transport")
	ErrConnClosed = errors.New("connection closed")
	ErrTimeout    = errors.New("timeout")

	ErrNoResponders = errors.New("no responders available for request")

	ErrConsumerClosed = errors.New("consumer closed")
	ErrPullRejected   = errors.New("pull request rejected")

	ErrNotJSMessage    = errors.New("not a jetstream message")
	ErrMsgAlreadyAcked = errors.New("message was already acknowledged")
)

func validationErr(text string) error {
	return fmt.Errorf(text+": %w", ErrValidation)
}

// APIError is returned by the JetStream API.
type APIError struct {
	Code        int    `json:"code"`
	ErrCode     uint16 `json:"err_code"`
	Description string `json:"description"`
}

var (
	ErrStreamNotFound   = &APIError{Code: 404, ErrCode: 10059, Description: "stream not found"}
	ErrConsumerNotFound = &APIError{Code: 404, ErrCode: 10014, Description: "consumer not found"}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("jetstream api: %s (code=%d, err_code=%d)", e.Description, e.Code, e.ErrCode)
}

// Is matches API errors by their error code.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.ErrCode == t.ErrCode
}
