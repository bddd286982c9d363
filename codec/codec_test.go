package codec_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghettovoice/sipcore/codec"
	"github.com/ghettovoice/sipcore/internal/testutils"
	"github.com/ghettovoice/sipcore/sip"
)

func rawMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

var rawInvite = rawMessage(
	"INVITE sip:bob@example.com SIP/2.0",
	"Via: SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK.inv1",
	"Max-Forwards: 70",
	"From: Alice <sip:alice@example.com>;tag=a1",
	"To: Bob <sip:bob@example.com>",
	"Call-ID: call-1@192.0.2.1",
	"CSeq: 1 INVITE",
	"Content-Length: 0",
)

func parseRequest(t *testing.T, data []byte) *codec.Request {
	t.Helper()

	msg, err := codec.Parse(data)
	require.NoError(t, err)
	req, ok := msg.(*codec.Request)
	require.True(t, ok, "codec.Parse() = %T, want *codec.Request", msg)
	return req
}

func TestParse_Request(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, rawInvite)
	assert.Equal(t, sip.MethodInvite, req.Method())
	assert.Equal(t, "call-1@192.0.2.1", req.CallID())
	assert.Equal(t, sip.MethodInvite, req.CSeqMethod())
	assert.Equal(t, "z9hG4bK.inv1", req.Branch())
	assert.Equal(t, "192.0.2.1:5060", req.SentBy())
	assert.True(t, sip.IsInvite(req))
	assert.NotNil(t, req.Unwrap())

	key, err := sip.ServerTransactionKeyOf(req)
	require.NoError(t, err)
	assert.Equal(t, sip.ServerTransactionKey{Branch: "z9hG4bK.inv1", SentBy: "192.0.2.1:5060", Method: sip.MethodInvite}, key)
}

func TestParse_Response(t *testing.T) {
	t.Parallel()

	msg, err := codec.Parse(rawMessage(
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP 192.0.2.1;branch=z9hG4bK.inv1",
		"From: Alice <sip:alice@example.com>;tag=a1",
		"To: Bob <sip:bob@example.com>;tag=b1",
		"Call-ID: call-1@192.0.2.1",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
	))
	require.NoError(t, err)
	res, ok := msg.(*codec.Response)
	require.True(t, ok, "codec.Parse() = %T, want *codec.Response", msg)

	assert.Equal(t, 180, res.StatusCode())
	assert.Equal(t, "Ringing", res.Reason())
	assert.Equal(t, "call-1@192.0.2.1", res.CallID())
	assert.Equal(t, sip.MethodInvite, res.CSeqMethod())
	assert.Equal(t, "z9hG4bK.inv1", res.Branch())
	assert.Equal(t, "192.0.2.1", res.SentBy())

	key, err := sip.ClientTransactionKeyOf(res)
	require.NoError(t, err)
	assert.Equal(t, sip.ClientTransactionKey{Branch: "z9hG4bK.inv1", Method: sip.MethodInvite}, key)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	_, err := codec.Parse([]byte("not a sip message"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sip.ErrInvalidArgument)
}

func TestRequest_NewResponse(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, rawInvite)

	res, err := req.NewResponse(486, "Busy Here")
	require.NoError(t, err)
	assert.Equal(t, 486, res.StatusCode())
	assert.Equal(t, "Busy Here", res.Reason())
	assert.Equal(t, req.CallID(), res.CallID())
	assert.Equal(t, req.Branch(), res.Branch())
	assert.Equal(t, req.CSeqMethod(), res.CSeqMethod())

	_, err = req.NewResponse(99, "")
	assert.ErrorIs(t, err, sip.ErrInvalidArgument)
	_, err = req.NewResponse(700, "")
	assert.ErrorIs(t, err, sip.ErrInvalidArgument)
}

func TestRequest_NewAck(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, rawInvite)
	res, err := req.NewResponse(486, "Busy Here")
	require.NoError(t, err)

	ack, err := req.NewAck(res)
	require.NoError(t, err)
	assert.Equal(t, sip.MethodAck, ack.Method())
	assert.Equal(t, sip.MethodAck, ack.CSeqMethod())
	assert.Equal(t, req.Branch(), ack.Branch())
	assert.Equal(t, req.SentBy(), ack.SentBy())
	assert.Equal(t, req.CallID(), ack.CallID())

	// the ACK goes through the INVITE server transaction
	ackKey, err := sip.ServerTransactionKeyOf(ack)
	require.NoError(t, err)
	invKey, err := sip.ServerTransactionKeyOf(req)
	require.NoError(t, err)
	assert.Equal(t, invKey, ackKey)

	ok, err := req.NewResponse(200, "OK")
	require.NoError(t, err)
	_, err = req.NewAck(ok)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)

	_, err = req.NewAck(testutils.NewResponse(testutils.NewRequest(sip.MethodInvite, "call-1", "z9hG4bK.x"), 486))
	require.ErrorIs(t, err, codec.ErrUnsupportedMessage)

	bye := parseRequest(t, []byte(strings.ReplaceAll(string(rawInvite), "INVITE", "BYE")))
	_, err = bye.NewAck(res)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)
}

func TestEncode(t *testing.T) {
	t.Parallel()

	req := parseRequest(t, rawInvite)
	data, err := codec.Encode(req)
	require.NoError(t, err)

	again := parseRequest(t, data)
	assert.Equal(t, req.Method(), again.Method())
	assert.Equal(t, req.CallID(), again.CallID())
	assert.Equal(t, req.Branch(), again.Branch())

	_, err = codec.Encode(nil)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)
	_, err = codec.Encode(testutils.NewRequest(sip.MethodBye, "call-1", "z9hG4bK.x"))
	require.ErrorIs(t, err, codec.ErrUnsupportedMessage)
}
