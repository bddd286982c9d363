package transport_test

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/codec"
	"github.com/ghettovoice/sipcore/internal/testutils"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type received struct {
	id  sip.FlowIdentity
	msg sip.Message
}

type chanReceiver chan received

func (r chanReceiver) Recv(_ context.Context, id sip.FlowIdentity, msg sip.Message) error {
	r <- received{id, msg}
	return nil
}

func listen(t *testing.T) *transport.UDP {
	t.Helper()

	tp, err := transport.ListenUDP(t.Context(), "127.0.0.1:0", &transport.UDPOptions{Log: log.Noop})
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() }) //nolint:errcheck
	return tp
}

// serve runs the transport until the test ends.
func serve(t *testing.T, tp *transport.UDP, r transport.Receiver) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- tp.Serve(context.Background(), r) }()
	t.Cleanup(func() {
		require.NoError(t, tp.Close())
		require.NoError(t, <-done)
	})
}

func dialPeer(t *testing.T, tp *transport.UDP) *net.UDPConn {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(tp.LocalAddr()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func peerAddr(conn *net.UDPConn) netip.AddrPort {
	return conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
}

func rawRequest(method, branch string, sentBy netip.AddrPort) []byte {
	return []byte(strings.Join([]string{
		method + " sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP " + sentBy.String() + ";branch=" + branch,
		"Max-Forwards: 70",
		"From: <sip:alice@example.com>;tag=a1",
		"To: <sip:bob@example.com>",
		"Call-ID: call-1",
		"CSeq: 1 " + method,
		"Content-Length: 0",
	}, "\r\n") + "\r\n\r\n")
}

func readMessage(t *testing.T, conn *net.UDPConn) sip.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, transport.DefaultUDPBufferSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	msg, err := codec.Parse(buf[:n])
	require.NoError(t, err)
	return msg
}

func TestUDP_Serve(t *testing.T) {
	t.Parallel()

	tp := listen(t)
	recv := make(chanReceiver, 4)
	serve(t, tp, recv)
	peer := dialPeer(t, tp)

	_, err := peer.Write([]byte("garbage\r\n\r\n"))
	require.NoError(t, err)
	_, err = peer.Write(rawRequest(sip.MethodOptions, "z9hG4bK.u1", peerAddr(peer)))
	require.NoError(t, err)

	select {
	case got := <-recv:
		assert.Equal(t, sip.FlowIdentity{
			Transport: sip.TransportUDP,
			Local:     tp.LocalAddr(),
			Remote:    peerAddr(peer),
		}, got.id)
		req, ok := got.msg.(*codec.Request)
		require.True(t, ok, "received %T, want *codec.Request", got.msg)
		assert.Equal(t, sip.MethodOptions, req.Method())
		assert.Equal(t, "z9hG4bK.u1", req.Branch())
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Empty(t, recv)
}

func TestUDP_Stack(t *testing.T) {
	t.Parallel()

	tp := listen(t)

	table := sip.NewMethodTable()
	require.NoError(t, table.Handle(sip.MethodOptions, func(ctx context.Context, _ *sip.AppContext, ev *sip.RequestEvent) error {
		return ev.Respond(ctx, sip.StatusOK, "OK")
	}))
	router, err := sip.NewRouter(table, &sip.RouterOptions{Log: log.Noop})
	require.NoError(t, err)

	stack, err := sip.NewStack(tp, sip.InstanceCreatorFunc(func(context.Context, string, sip.Message) (sip.Application, error) {
		return router, nil
	}), &sip.StackOptions{Log: log.Noop})
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close(context.Background()) }) //nolint:errcheck
	serve(t, tp, stack)

	peer := dialPeer(t, tp)
	_, err = peer.Write(rawRequest(sip.MethodOptions, "z9hG4bK.u2", peerAddr(peer)))
	require.NoError(t, err)

	res, ok := readMessage(t, peer).(*codec.Response)
	require.True(t, ok, "read message is not a response")
	assert.Equal(t, sip.StatusOK, res.StatusCode())
	assert.Equal(t, "z9hG4bK.u2", res.Branch())
	assert.Equal(t, sip.MethodOptions, res.CSeqMethod())

	_, err = peer.Write(rawRequest(sip.MethodBye, "z9hG4bK.u3", peerAddr(peer)))
	require.NoError(t, err)
	res, ok = readMessage(t, peer).(*codec.Response)
	require.True(t, ok, "read message is not a response")
	assert.Equal(t, sip.StatusMethodNotAllowed, res.StatusCode())

	assert.Equal(t, 1, stack.Flows().Len())
}

func TestUDP_WriteMessage(t *testing.T) {
	t.Parallel()

	tp := listen(t)
	peer := dialPeer(t, tp)

	flows, err := sip.NewFlowManager(tp, &sip.FlowManagerOptions{Log: log.Noop})
	require.NoError(t, err)
	t.Cleanup(func() { flows.Close(context.Background()) }) //nolint:errcheck

	f, err := flows.ResolveOrCreate(t.Context(), sip.FlowIdentity{
		Transport: sip.TransportUDP,
		Local:     tp.LocalAddr(),
		Remote:    peerAddr(peer),
	})
	require.NoError(t, err)

	msg, err := codec.Parse(rawRequest(sip.MethodOptions, "z9hG4bK.u4", tp.LocalAddr()))
	require.NoError(t, err)
	require.NoError(t, flows.WriteMessage(t.Context(), f, msg))

	got := readMessage(t, peer)
	assert.Equal(t, "z9hG4bK.u4", got.Branch())

	err = tp.WriteMessage(t.Context(), f, testutils.NewRequest(sip.MethodOptions, "call-1", "z9hG4bK.u5"))
	require.ErrorIs(t, err, codec.ErrUnsupportedMessage)

	tcp, err := flows.ResolveOrCreate(t.Context(), sip.FlowIdentity{Transport: sip.TransportTCP, ConnID: "conn-1"})
	require.NoError(t, err)
	err = tp.WriteMessage(t.Context(), tcp, msg)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)

	require.NoError(t, tp.Close())
	err = tp.WriteMessage(t.Context(), f, msg)
	require.ErrorIs(t, err, transport.ErrTransportClosed)
}

func TestUDP_ServeContext(t *testing.T) {
	t.Parallel()

	tp := listen(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- tp.Serve(ctx, make(chanReceiver)) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the context was cancelled")
	}

	err := tp.Serve(context.Background(), nil)
	require.ErrorIs(t, err, sip.ErrInvalidArgument)
}
