package statestore

import (
	"strings"

	"github.com/c360/meshrpc/statestore/resp"
)

// ReasonCode classifies a failure reported by the coordination
// service on its error line.
type ReasonCode int

const (
	ReasonUnknown ReasonCode = iota
	ReasonTimestampSkew
	ReasonMissingFencingToken
	ReasonFencingTokenSkew
	ReasonFencingTokenLowVersion
	ReasonQuotaExceeded
	ReasonSyntaxError
	ReasonNotAuthorized
	ReasonUnknownCommand
	ReasonWrongNumberOfArguments
	ReasonMalformedTimestamp
	ReasonZeroLengthKey
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonTimestampSkew:
		return "timestamp skew"
	case ReasonMissingFencingToken:
		return "missing fencing token"
	case ReasonFencingTokenSkew:
		return "fencing token skew"
	case ReasonFencingTokenLowVersion:
		return "fencing token low version"
	case ReasonQuotaExceeded:
		return "quota exceeded"
	case ReasonSyntaxError:
		return "syntax error"
	case ReasonNotAuthorized:
		return "not authorized"
	case ReasonUnknownCommand:
		return "unknown command"
	case ReasonWrongNumberOfArguments:
		return "wrong number of arguments"
	case ReasonMalformedTimestamp:
		return "malformed timestamp"
	case ReasonZeroLengthKey:
		return "zero-length key"
	default:
		return "unknown"
	}
}

// Canonical error-line messages. The service emits these; the client
// matches on them to classify failures.
const (
	MsgTimestampSkew          = "the request timestamp is too far in the future; ensure that the client time is synchronized with the service time"
	MsgMissingFencingToken    = "a fencing token is required for this request"
	MsgFencingTokenSkew       = "the request fencing token timestamp is too far in the future; ensure that the client time is synchronized with the service time"
	MsgFencingTokenLowVersion = "the request fencing token is a lower version than the fencing token protecting the resource"
	MsgQuotaExceeded          = "the quota has been exceeded"
	MsgSyntaxError            = "syntax error"
	MsgNotAuthorized          = "not authorized"
	MsgUnknownCommand         = "unknown command"
	MsgWrongNumberOfArguments = "wrong number of arguments"
	MsgMalformedTimestamp     = "the timestamp is malformed"
	MsgKeyLengthZero          = "the key length is zero"
)

// ServiceError is a failure the coordination service reported for one
// operation. Raw preserves the original error line.
type ServiceError struct {
	Reason ReasonCode
	Raw    string
}

func (e *ServiceError) Error() string {
	return "statestore: " + e.Raw
}

// classify maps a decoded error line to a typed service error.
func classify(opErr *resp.OpError) *ServiceError {
	reason := ReasonUnknown
	switch {
	case strings.HasPrefix(opErr.Message, MsgTimestampSkew):
		reason = ReasonTimestampSkew
	case strings.HasPrefix(opErr.Message, MsgMissingFencingToken):
		reason = ReasonMissingFencingToken
	case strings.HasPrefix(opErr.Message, MsgFencingTokenSkew):
		reason = ReasonFencingTokenSkew
	case strings.HasPrefix(opErr.Message, MsgFencingTokenLowVersion):
		reason = ReasonFencingTokenLowVersion
	case strings.HasPrefix(opErr.Message, MsgQuotaExceeded):
		reason = ReasonQuotaExceeded
	case strings.HasPrefix(opErr.Message, MsgSyntaxError):
		reason = ReasonSyntaxError
	case strings.HasPrefix(opErr.Message, MsgNotAuthorized):
		reason = ReasonNotAuthorized
	case strings.HasPrefix(opErr.Message, MsgUnknownCommand):
		reason = ReasonUnknownCommand
	case strings.HasPrefix(opErr.Message, MsgWrongNumberOfArguments):
		reason = ReasonWrongNumberOfArguments
	case strings.HasPrefix(opErr.Message, MsgMalformedTimestamp):
		reason = ReasonMalformedTimestamp
	case strings.HasPrefix(opErr.Message, MsgKeyLengthZero):
		reason = ReasonZeroLengthKey
	}
	return &ServiceError{Reason: reason, Raw: opErr.Error()}
}
