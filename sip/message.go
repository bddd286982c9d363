package sip

import (
	"strings"

	"braces.dev/errtrace"
)

// Request methods known to the transaction layer.
const (
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodCancel   = "CANCEL"
	MethodBye      = "BYE"
	MethodOptions  = "OPTIONS"
	MethodRegister = "REGISTER"
)

// Status codes used by the stack itself.
const (
	StatusTrying              = 100
	StatusOK                  = 200
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusTransactionNotExist = 481
	StatusRequestTerminated   = 487
	StatusServerInternalError = 500
	StatusServiceUnavailable  = 503
)

// Message is the part of a SIP message the engine needs for matching and dispatch.
// Implementations are provided by the message codec.
type Message interface {
	// CallID returns the Call-ID header value.
	CallID() string
	// CSeqMethod returns the method of the CSeq header.
	CSeqMethod() string
	// Branch returns the branch parameter of the topmost Via header.
	Branch() string
	// SentBy returns the host and port of the topmost Via header.
	SentBy() string
	// String renders the message.
	String() string
}

// Request is a SIP request.
type Request interface {
	Message
	// Method returns the request method.
	Method() string
	// NewResponse builds a response to the request.
	NewResponse(code int, reason string) (Response, error)
	// NewAck builds the ACK for a non-2xx final response to the INVITE request.
	NewAck(res Response) (Request, error)
}

// Response is a SIP response.
type Response interface {
	Message
	// StatusCode returns the response status code.
	StatusCode() int
	// Reason returns the reason phrase.
	Reason() string
}

// IsProvisional reports whether the status code is 1xx.
func IsProvisional(code int) bool { return code >= 100 && code < 200 }

// IsSuccessful reports whether the status code is 2xx.
func IsSuccessful(code int) bool { return code >= 200 && code < 300 }

// IsFinal reports whether the status code is 2xx-6xx.
func IsFinal(code int) bool { return code >= 200 && code < 700 }

func isMethod(m, want string) bool { return strings.EqualFold(m, want) }

// IsInvite reports whether the request is an INVITE.
func IsInvite(req Request) bool { return req != nil && isMethod(req.Method(), MethodInvite) }

// IsAck reports whether the request is an ACK.
func IsAck(req Request) bool { return req != nil && isMethod(req.Method(), MethodAck) }

// IsCancel reports whether the request is a CANCEL.
func IsCancel(req Request) bool { return req != nil && isMethod(req.Method(), MethodCancel) }

// validateMessage checks the fields required for transaction matching.
func validateMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}

	var missing []string
	if msg.Branch() == "" {
		missing = append(missing, "Via branch")
	}
	if msg.CallID() == "" {
		missing = append(missing, "Call-ID")
	}
	if msg.CSeqMethod() == "" {
		missing = append(missing, "CSeq method")
	}
	if req, ok := msg.(Request); ok {
		if req.Method() == "" {
			missing = append(missing, "method")
		} else if !isMethod(req.Method(), msg.CSeqMethod()) && msg.CSeqMethod() != "" {
			return errtrace.Wrap(newMalformedMatchError("method %q does not match CSeq method %q", req.Method(), msg.CSeqMethod()))
		}
	}
	if len(missing) > 0 {
		return errtrace.Wrap(newMalformedMatchError("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}
