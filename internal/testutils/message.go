// Package testutils contains in-memory SIP messages and recorders used by the tests.
package testutils

import (
	"fmt"
	"strings"

	"github.com/ghettovoice/sipcore/sip"
)

// DefaultSentBy is the Via sent-by of messages built by [NewRequest].
const DefaultSentBy = "127.0.0.1:5060"

// Fields are the matching fields of a fake message.
type Fields struct {
	CallID     string
	CSeqMethod string
	Branch     string
	SentBy     string
}

// Request is an in-memory [sip.Request].
type Request struct {
	Fields
	Meth string
	// ResponseErr is returned by NewResponse if set.
	ResponseErr error
}

// NewRequest creates a request with a matching CSeq method.
func NewRequest(method, callID, branch string) *Request {
	return &Request{
		Fields: Fields{
			CallID:     callID,
			CSeqMethod: method,
			Branch:     branch,
			SentBy:     DefaultSentBy,
		},
		Meth: method,
	}
}

func (r *Request) CallID() string     { return r.Fields.CallID }
func (r *Request) CSeqMethod() string { return r.Fields.CSeqMethod }
func (r *Request) Branch() string     { return r.Fields.Branch }
func (r *Request) SentBy() string     { return r.Fields.SentBy }
func (r *Request) Method() string     { return r.Meth }

func (r *Request) String() string {
	return fmt.Sprintf("%s sip:test@example.com SIP/2.0 (branch=%s, call-id=%s)", r.Meth, r.Fields.Branch, r.Fields.CallID)
}

// NewResponse builds a response sharing the request matching fields.
func (r *Request) NewResponse(code int, reason string) (sip.Response, error) {
	if r.ResponseErr != nil {
		return nil, r.ResponseErr
	}
	return &Response{Fields: r.Fields, Code: code, Text: reason}, nil
}

// NewAck builds the ACK for a non-2xx final response.
func (r *Request) NewAck(res sip.Response) (sip.Request, error) {
	if !strings.EqualFold(r.Meth, sip.MethodInvite) {
		return nil, fmt.Errorf("ACK for %s request", r.Meth)
	}
	if res == nil || res.StatusCode() < 300 {
		return nil, fmt.Errorf("ACK for non-final or 2xx response")
	}
	ack := *r
	ack.Meth = sip.MethodAck
	ack.Fields.CSeqMethod = sip.MethodAck
	return &ack, nil
}

// Response is an in-memory [sip.Response].
type Response struct {
	Fields
	Code int
	Text string
}

// NewResponse creates a response to the request.
func NewResponse(req *Request, code int) *Response {
	return &Response{Fields: req.Fields, Code: code, Text: fmt.Sprintf("Status %d", code)}
}

func (r *Response) CallID() string     { return r.Fields.CallID }
func (r *Response) CSeqMethod() string { return r.Fields.CSeqMethod }
func (r *Response) Branch() string     { return r.Fields.Branch }
func (r *Response) SentBy() string     { return r.Fields.SentBy }
func (r *Response) StatusCode() int    { return r.Code }
func (r *Response) Reason() string     { return r.Text }

func (r *Response) String() string {
	return fmt.Sprintf("SIP/2.0 %d %s (branch=%s, call-id=%s, cseq=%s)",
		r.Code, r.Text, r.Fields.Branch, r.Fields.CallID, r.Fields.CSeqMethod)
}
