package rpc

import (
	"fmt"
	"strconv"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/transport"
)

// User property keys carried in the transport property bag. The double
// underscore namespaces protocol metadata away from application
// properties.
const (
	// PropTimestamp carries the sender's HLC snapshot.
	PropTimestamp = "__ts"
	// PropStatus carries the numeric response status.
	PropStatus = "__stat"
	// PropStatusMessage carries the human-readable status detail.
	PropStatusMessage = "__stMsg"
	// PropIsApplicationError distinguishes application failures from
	// platform failures on non-200 responses.
	PropIsApplicationError = "__apErr"
	// PropSourceID identifies the requesting party; combined with the
	// correlation id it forms the idempotency fingerprint.
	PropSourceID = "__srcId"
	// PropInvokerID carries the invoker's client id. It matches
	// PropSourceID on direct calls but survives relaying, where the
	// source id is rewritten hop by hop.
	PropInvokerID = "__invId"
	// PropFencingToken carries an HLC fencing token on protected writes.
	PropFencingToken = "__ft"
	// tokenEchoPrefix prefixes resolved topic tokens echoed back on
	// responses when echoing is enabled.
	tokenEchoPrefix = "__tt:"
)

// Response status codes.
const (
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusRequestTimeout     = 408
	StatusUnprocessable      = 422
	StatusInternalError      = 500
	StatusServiceUnavailable = 503
)

// ApplicationError is returned by executor handlers to signal a failure
// of the command itself rather than of the platform. It is carried to
// the invoker as a 422 response with the application flag set.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string { return e.Message }

// RemoteError is the invoker-side view of a non-OK response.
type RemoteError struct {
	Status      int
	Message     string
	Application bool
}

func (e *RemoteError) Error() string {
	kind := "platform"
	if e.Application {
		kind = "application"
	}
	return fmt.Sprintf("remote %s error (status %d): %s", kind, e.Status, e.Message)
}

// stampTimestamp advances the clock and writes the reading into the
// message property bag.
func stampTimestamp(clock *hlc.Clock, msg *transport.Message) (hlc.Timestamp, error) {
	ts, err := clock.Now()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	msg.SetProperty(PropTimestamp, ts.String())
	return ts, nil
}

// mergeTimestamp folds a received __ts property into the local clock.
// A missing property is fine; a malformed or drifted one is reported.
func mergeTimestamp(clock *hlc.Clock, msg *transport.Message) (hlc.Timestamp, error) {
	raw := msg.Property(PropTimestamp)
	if raw == "" {
		return hlc.Timestamp{}, nil
	}
	remote, err := hlc.Parse(raw)
	if err != nil {
		return hlc.Timestamp{}, err
	}
	if _, err := clock.UpdateWith(remote); err != nil {
		return hlc.Timestamp{}, err
	}
	return remote, nil
}

// responseStatus reads the status properties from a response message.
func responseStatus(msg *transport.Message) (status int, statusMsg string, appErr bool, err error) {
	raw := msg.Property(PropStatus)
	if raw == "" {
		return 0, "", false, errors.Transport(
			fmt.Errorf("response missing %s: %w", PropStatus, errors.ErrMissingHeader),
			"Invoker", "responseStatus", "read status")
	}
	status, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, "", false, errors.Transport(
			fmt.Errorf("bad %s value %q: %w", PropStatus, raw, errors.ErrMalformedFrame),
			"Invoker", "responseStatus", "parse status")
	}
	return status, msg.Property(PropStatusMessage), msg.Property(PropIsApplicationError) == "true", nil
}
