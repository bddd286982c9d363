package sip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"
)

// TransportProto is a SIP transport protocol name as it appears in the Via header.
type TransportProto string

// Transport protocols.
const (
	TransportUDP  TransportProto = "UDP"
	TransportTCP  TransportProto = "TCP"
	TransportTLS  TransportProto = "TLS"
	TransportSCTP TransportProto = "SCTP"
	TransportWS   TransportProto = "WS"
	TransportWSS  TransportProto = "WSS"
)

// Canonic returns the upper-cased protocol name.
func (p TransportProto) Canonic() TransportProto {
	return TransportProto(strings.ToUpper(string(p)))
}

// IsReliable reports whether the protocol delivers messages reliably.
// Retransmission timers (A, E, G) run only over unreliable protocols and
// the wait timers (D, I, J, K) collapse to zero over reliable ones.
func (p TransportProto) IsReliable() bool {
	switch p.Canonic() {
	case TransportTCP, TransportTLS, TransportSCTP, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// IsStream reports whether the protocol is connection oriented.
func (p TransportProto) IsStream() bool { return p.IsReliable() }

// IsValid reports whether the protocol is a known one.
func (p TransportProto) IsValid() bool {
	switch p.Canonic() {
	case TransportUDP, TransportTCP, TransportTLS, TransportSCTP, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// FlowIdentity identifies a logical connection.
//
// Datagram flows are identified by the transport and the local/remote address pair.
// Stream flows are identified by the transport and the connection ID assigned by
// the transport, the addresses are informational.
type FlowIdentity struct {
	Transport TransportProto `json:"transport"`
	Local     netip.AddrPort `json:"local"`
	Remote    netip.AddrPort `json:"remote"`
	ConnID    string         `json:"conn_id,omitempty"`
}

// Validate checks the identity is usable as a flow key.
func (id FlowIdentity) Validate() error {
	if !id.Transport.IsValid() {
		return errtrace.Wrap(newFlowIdentityError("unknown transport %q", id.Transport))
	}
	if id.Transport.IsStream() {
		if id.ConnID == "" {
			return errtrace.Wrap(newFlowIdentityError("missing connection ID for %s flow", id.Transport.Canonic()))
		}
		return nil
	}
	if !id.Local.IsValid() || !id.Remote.IsValid() {
		return errtrace.Wrap(newFlowIdentityError("invalid address pair %s -> %s", id.Local, id.Remote))
	}
	return nil
}

// flowKey is the normalized comparable form of a [FlowIdentity].
type flowKey struct {
	proto  TransportProto
	local  netip.AddrPort
	remote netip.AddrPort
	connID string
}

func (id FlowIdentity) key() flowKey {
	proto := id.Transport.Canonic()
	if proto.IsStream() {
		return flowKey{proto: proto, connID: id.ConnID}
	}
	return flowKey{proto: proto, local: id.Local, remote: id.Remote}
}

func (id FlowIdentity) String() string {
	if id.Transport.IsStream() {
		return fmt.Sprintf("%s:%s(%s->%s)", id.Transport.Canonic(), id.ConnID, id.Local, id.Remote)
	}
	return fmt.Sprintf("%s:%s->%s", id.Transport.Canonic(), id.Local, id.Remote)
}

// LogValue implements [slog.LogValuer].
func (id FlowIdentity) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("transport", string(id.Transport.Canonic())),
		slog.String("local", id.Local.String()),
		slog.String("remote", id.Remote.String()),
	}
	if id.ConnID != "" {
		attrs = append(attrs, slog.String("conn_id", id.ConnID))
	}
	return slog.GroupValue(attrs...)
}

// DefaultFlowIdleTimeout is the idle timeout of flows created without an explicit one.
const DefaultFlowIdleTimeout = 3 * time.Minute

// Flow is a logical connection over which SIP messages are exchanged.
//
// Flows are created and owned by the [FlowManager].
// The flow ID is assigned at creation and never changes.
type Flow struct {
	id          uuid.UUID
	ident       FlowIdentity
	createdAt   time.Time
	idleTimeout time.Duration

	lastActivity atomic.Int64
	terminated   atomic.Bool

	mu     sync.Mutex
	reason error
}

func newFlow(ident FlowIdentity, now time.Time, idleTimeout time.Duration) *Flow {
	f := &Flow{
		id:          uuid.New(),
		ident:       ident,
		createdAt:   now,
		idleTimeout: idleTimeout,
	}
	f.lastActivity.Store(now.UnixNano())
	return f
}

// ID returns the unique flow ID.
func (f *Flow) ID() uuid.UUID {
	if f == nil {
		return uuid.Nil
	}
	return f.id
}

// Identity returns the flow identity.
func (f *Flow) Identity() FlowIdentity {
	if f == nil {
		return FlowIdentity{}
	}
	return f.ident
}

// Transport returns the flow transport protocol.
func (f *Flow) Transport() TransportProto {
	if f == nil {
		return ""
	}
	return f.ident.Transport.Canonic()
}

// IsReliable reports whether the flow transport is reliable.
func (f *Flow) IsReliable() bool {
	return f != nil && f.ident.Transport.IsReliable()
}

// CreatedAt returns the flow creation time.
func (f *Flow) CreatedAt() time.Time {
	if f == nil {
		return time.Time{}
	}
	return f.createdAt
}

// LastActivity returns the time of the last message sent or received over the flow.
func (f *Flow) LastActivity() time.Time {
	if f == nil {
		return time.Time{}
	}
	return time.Unix(0, f.lastActivity.Load())
}

// IdleTimeout returns the flow idle timeout.
func (f *Flow) IdleTimeout() time.Duration {
	if f == nil {
		return 0
	}
	return f.idleTimeout
}

// IsTerminated reports whether the flow was terminated.
func (f *Flow) IsTerminated() bool {
	return f != nil && f.terminated.Load()
}

// Err returns the termination reason, nil while the flow is alive.
func (f *Flow) Err() error {
	if f == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *Flow) touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := f.lastActivity.Load()
		if n <= cur || f.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (f *Flow) idleFor(now time.Time) time.Duration {
	return now.Sub(f.LastActivity())
}

// terminate marks the flow terminated. It reports true only for the first call.
func (f *Flow) terminate(reason error) bool {
	if !f.terminated.CompareAndSwap(false, true) {
		return false
	}
	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()
	return true
}

// LogValue implements [slog.LogValuer].
func (f *Flow) LogValue() slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", f.id.String()),
		slog.Any("identity", f.ident),
		slog.Bool("terminated", f.IsTerminated()),
	)
}

func (f *Flow) String() string {
	if f == nil {
		return "<nil>"
	}
	return f.id.String()
}
