// Package transport contains network transports feeding the [sip.Stack].
package transport

//go:generate go tool errtrace -w .

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/codec"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

// ErrTransportClosed is returned by a closed transport.
const ErrTransportClosed errorutil.Error = "transport closed"

// DefaultUDPBufferSize is the read buffer size of UDP transports created without an explicit one.
const DefaultUDPBufferSize = 65535

// Receiver receives the inbound messages. It is implemented by [sip.Stack].
type Receiver interface {
	Recv(ctx context.Context, id sip.FlowIdentity, msg sip.Message) error
}

// UDPOptions are the options of a [UDP] transport.
type UDPOptions struct {
	// BufferSize is the size of the datagram read buffer.
	// If zero, [DefaultUDPBufferSize] is used.
	BufferSize int
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *UDPOptions) bufferSize() int {
	if o == nil || o.BufferSize <= 0 {
		return DefaultUDPBufferSize
	}
	return o.BufferSize
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDP is a datagram transport.
// Every remote address talking to the local socket is a separate flow.
//
// UDP implements [sip.FlowWriter], pass it to [sip.NewStack] and then
// start reading with [UDP.Serve].
type UDP struct {
	conn    *net.UDPConn
	local   netip.AddrPort
	bufSize int
	log     *slog.Logger

	wg      sync.WaitGroup
	closing atomic.Bool
}

// ListenUDP creates a new [UDP] transport listening on the address.
func ListenUDP(ctx context.Context, addr string, opts *UDPOptions) (*UDP, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unexpected packet conn %T", pc))
	}
	return errtrace.Wrap2(NewUDP(conn, opts))
}

// NewUDP creates a new [UDP] transport over the bound connection.
// The transport owns the connection and closes it on [UDP.Close].
func NewUDP(conn *net.UDPConn, opts *UDPOptions) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil connection"))
	}
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unexpected local address %v", conn.LocalAddr()))
	}
	return &UDP{
		conn:    conn,
		local:   unmap(ua.AddrPort()),
		bufSize: opts.bufferSize(),
		log:     opts.log(),
	}, nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// LocalAddr returns the local address of the transport.
func (t *UDP) LocalAddr() netip.AddrPort { return t.local }

// Serve reads datagrams until the transport is closed or the context is done.
//
// Every datagram is parsed and passed to the receiver on its own goroutine,
// so a busy application instance does not stall the socket.
// Unparsable datagrams are dropped.
func (t *UDP) Serve(ctx context.Context, r Receiver) error {
	if r == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil receiver"))
	}
	if t.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}

	stop := context.AfterFunc(ctx, func() { t.conn.Close() })
	defer stop()

	buf := make([]byte, t.bufSize)
	for {
		n, raddr, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.wg.Wait()
			if t.closing.Load() {
				return nil
			}
			if cause := context.Cause(ctx); cause != nil {
				return errtrace.Wrap(cause)
			}
			return errtrace.Wrap(err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		id := sip.FlowIdentity{
			Transport: sip.TransportUDP,
			Local:     t.local,
			Remote:    unmap(raddr),
		}
		t.wg.Go(func() { t.handle(ctx, id, data, r) })
	}
}

func (t *UDP) handle(ctx context.Context, id sip.FlowIdentity, data []byte, r Receiver) {
	msg, err := codec.Parse(data)
	if err != nil {
		t.log.LogAttrs(ctx, slog.LevelDebug, "discarding unparsable datagram",
			slog.Any("flow", id),
			slog.Int("size", len(data)),
			slog.Any("error", err),
		)
		return
	}
	if err := r.Recv(ctx, id, msg); err != nil {
		t.log.LogAttrs(ctx, slog.LevelWarn, "failed to receive message",
			slog.Any("flow", id),
			slog.Any("message", msg),
			slog.Any("error", err),
		)
	}
}

// WriteMessage implements [sip.FlowWriter].
// The message is sent to the remote address of the flow.
func (t *UDP) WriteMessage(ctx context.Context, f *sip.Flow, msg sip.Message) error {
	if t.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	id := f.Identity()
	if id.Transport.Canonic() != sip.TransportUDP {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("%s flow over UDP transport", id.Transport))
	}
	if id.Local.IsValid() && id.Local != t.local {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("flow local address %s does not match %s", id.Local, t.local))
	}

	data, err := codec.Encode(msg)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, id.Remote); err != nil {
		return errtrace.Wrap(err)
	}

	t.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("flow", id),
		slog.Any("message", msg),
	)
	return nil
}

// Close closes the socket.
// A running [UDP.Serve] returns once the in-flight datagrams are handled.
func (t *UDP) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	if err != nil && !errorutil.IsClosedErr(err) {
		return errtrace.Wrap(err)
	}
	return nil
}
