package app

import (
	"errors"
	"fmt"

	"github.com/transfa/billing-service/pkg/razorpayclient"
)

// ErrorKind classifies a workflow failure so the transport can pick a status code.
type ErrorKind string

const (
	KindConflict    ErrorKind = "conflict"
	KindStoreRead   ErrorKind = "store_read"
	KindPayment     ErrorKind = "payment"
	KindPersistence ErrorKind = "persistence"
)

// WorkflowError is returned by Service.CreateSubscription for every failing stage.
// Fields carries extra keys (details, debug, offending ids) for the response body.
type WorkflowError struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]interface{}
	Err     error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// ErrAlreadyActive is the conflict returned when the caller already has a live subscription.
var ErrAlreadyActive = &WorkflowError{Kind: KindConflict, Message: "Subscription already active."}

var errCustomerWithoutID = errors.New("razorpay returned a customer without an id")

// upstreamDetails flattens a processor failure into status, status text and raw body.
func upstreamDetails(err error) (int, string, string) {
	var apiErr *razorpayclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.StatusText, apiErr.Body
	}
	return 0, "", err.Error()
}

// callFailure builds the error for a failed create call: "<prefix>: <status> <text>" plus the body.
func callFailure(prefix string, err error) *WorkflowError {
	status, text, body := upstreamDetails(err)
	message := fmt.Sprintf("%s: %d %s", prefix, status, text)
	if status == 0 {
		message = fmt.Sprintf("%s: %s", prefix, body)
	}
	return &WorkflowError{
		Kind:    KindPayment,
		Message: message,
		Fields:  map[string]interface{}{"details": body},
		Err:     err,
	}
}

// validationFailure builds the error for a failed plan or customer lookup, echoing the offending id.
func validationFailure(idField, id string, err error) *WorkflowError {
	status, text, body := upstreamDetails(err)
	return &WorkflowError{
		Kind:    KindPayment,
		Message: fmt.Sprintf("Razorpay %s is not valid for these keys/mode.", idField),
		Fields: map[string]interface{}{
			idField: id,
			"details": map[string]interface{}{
				"status":     status,
				"statusText": text,
				"body":       body,
			},
		},
		Err: err,
	}
}
