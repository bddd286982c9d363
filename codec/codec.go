// Package codec adapts [github.com/emiago/sipgo/sip] messages to the message
// interfaces of the [sip] engine.
//
// The grammar stays inside sipgo, the adapters only expose the fields
// required for transaction matching and build the responses and ACKs the
// engine sends on its own.
package codec

//go:generate go tool errtrace -w .

import (
	"log/slog"
	"net"
	"strconv"

	"braces.dev/errtrace"
	sipgo "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/sip"
)

// ErrUnsupportedMessage is returned when a message is not produced by this package.
const ErrUnsupportedMessage errorutil.Error = "unsupported message"

const maxForwards = 70

// Parse parses the raw SIP message.
// The result is either a [*Request] or a [*Response].
func Parse(data []byte) (sip.Message, error) {
	msg, err := sipgo.ParseMessage(data)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	switch m := msg.(type) {
	case *sipgo.Request:
		return WrapRequest(m), nil
	case *sipgo.Response:
		return WrapResponse(m), nil
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedMessage, "%T", msg))
	}
}

// Encode renders the message to its wire form.
func Encode(msg sip.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		return []byte(m.msg.String()), nil
	case *Response:
		return []byte(m.msg.String()), nil
	case nil:
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil message"))
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedMessage, "%T", msg))
	}
}

func viaBranch(via *sipgo.ViaHeader) string {
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func viaSentBy(via *sipgo.ViaHeader) string {
	if via == nil {
		return ""
	}
	if via.Port <= 0 {
		return via.Host
	}
	return net.JoinHostPort(via.Host, strconv.Itoa(via.Port))
}

func callID(h *sipgo.CallIDHeader) string {
	if h == nil {
		return ""
	}
	return h.Value()
}

func cseqMethod(h *sipgo.CSeqHeader) string {
	if h == nil {
		return ""
	}
	return h.MethodName.String()
}

// Request is a [sip.Request] backed by a sipgo request.
type Request struct {
	msg *sipgo.Request
}

// WrapRequest wraps the sipgo request.
func WrapRequest(req *sipgo.Request) *Request { return &Request{msg: req} }

// Unwrap returns the underlying sipgo request.
func (r *Request) Unwrap() *sipgo.Request { return r.msg }

// Method returns the request method.
func (r *Request) Method() string { return r.msg.Method.String() }

// CallID returns the Call-ID header value.
func (r *Request) CallID() string { return callID(r.msg.CallID()) }

// CSeqMethod returns the method of the CSeq header.
func (r *Request) CSeqMethod() string { return cseqMethod(r.msg.CSeq()) }

// Branch returns the branch parameter of the topmost Via header.
func (r *Request) Branch() string { return viaBranch(r.msg.Via()) }

// SentBy returns the host and port of the topmost Via header.
func (r *Request) SentBy() string { return viaSentBy(r.msg.Via()) }

func (r *Request) String() string { return r.msg.String() }

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", r.Method()),
		slog.String("call_id", r.CallID()),
		slog.String("branch", r.Branch()),
	)
}

// NewResponse builds a response to the request.
// Via, From, To, Call-ID and CSeq are copied from the request.
func (r *Request) NewResponse(code int, reason string) (sip.Response, error) {
	if code < 100 || code > 699 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid status code %d", code))
	}
	return WrapResponse(sipgo.NewResponseFromRequest(r.msg, code, reason, nil)), nil
}

// NewAck builds the ACK for a non-2xx final response to the INVITE request.
// The ACK shares the topmost Via of the INVITE and takes To from the response.
func (r *Request) NewAck(res sip.Response) (sip.Request, error) {
	if !sip.IsInvite(r) {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK for %s request", r.Method()))
	}
	resp, ok := res.(*Response)
	if !ok || resp == nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedMessage, "%T", res))
	}
	if resp.msg.StatusCode < 300 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK for %d response", resp.msg.StatusCode))
	}

	ack := sipgo.NewRequest(sipgo.ACK, r.msg.Recipient)
	ack.SipVersion = r.msg.SipVersion
	if via := r.msg.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sipgo.CopyHeaders("Route", r.msg, ack)
	if h := r.msg.From(); h != nil {
		ack.AppendHeader(sipgo.HeaderClone(h))
	}
	if h := resp.msg.To(); h != nil {
		ack.AppendHeader(sipgo.HeaderClone(h))
	}
	if h := r.msg.CallID(); h != nil {
		ack.AppendHeader(sipgo.HeaderClone(h))
	}
	if h := r.msg.CSeq(); h != nil {
		ack.AppendHeader(&sipgo.CSeqHeader{SeqNo: h.SeqNo, MethodName: sipgo.ACK})
	}
	maxFwd := sipgo.MaxForwardsHeader(maxForwards)
	ack.AppendHeader(&maxFwd)
	ack.SetTransport(r.msg.Transport())
	return WrapRequest(ack), nil
}

// Response is a [sip.Response] backed by a sipgo response.
type Response struct {
	msg *sipgo.Response
}

// WrapResponse wraps the sipgo response.
func WrapResponse(res *sipgo.Response) *Response { return &Response{msg: res} }

// Unwrap returns the underlying sipgo response.
func (r *Response) Unwrap() *sipgo.Response { return r.msg }

// StatusCode returns the response status code.
func (r *Response) StatusCode() int { return r.msg.StatusCode }

// Reason returns the reason phrase.
func (r *Response) Reason() string { return r.msg.Reason }

// CallID returns the Call-ID header value.
func (r *Response) CallID() string { return callID(r.msg.CallID()) }

// CSeqMethod returns the method of the CSeq header.
func (r *Response) CSeqMethod() string { return cseqMethod(r.msg.CSeq()) }

// Branch returns the branch parameter of the topmost Via header.
func (r *Response) Branch() string { return viaBranch(r.msg.Via()) }

// SentBy returns the host and port of the topmost Via header.
func (r *Response) SentBy() string { return viaSentBy(r.msg.Via()) }

func (r *Response) String() string { return r.msg.String() }

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("status", r.StatusCode()),
		slog.String("method", r.CSeqMethod()),
		slog.String("call_id", r.CallID()),
		slog.String("branch", r.Branch()),
	)
}
