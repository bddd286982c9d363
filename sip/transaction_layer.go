package sip

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/clock"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/log"
)

// DefaultStaleTransactionTimeout is the default stale transaction timeout.
const DefaultStaleTransactionTimeout = 5 * time.Minute

// StrayResponseHandler is called for inbound responses that match no client transaction.
type StrayResponseHandler = func(ctx context.Context, res Response, f *Flow)

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// Timings is the SIP timing config of the transactions.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Clock is the time source of the transaction timers.
	// If nil, the real clock is used.
	Clock clock.Clock
	// StaleTimeout bounds the states no SIP timer ends: the proceeding state of
	// INVITE client transactions and the trying and proceeding states of server transactions.
	// A transaction that stays in them longer is terminated with [ErrTransactionStale].
	// If zero, [DefaultStaleTransactionTimeout] is used. A negative value disables it.
	StaleTimeout time.Duration
	// Sink receives the transaction events, stray ACKs included.
	Sink EventSink
	// StrayResponseHandler receives responses that match no transaction.
	// If nil, such responses are logged and dropped.
	StrayResponseHandler StrayResponseHandler
	// Metrics records transaction metrics. Optional.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) txOpts() *TransactionOptions {
	if o == nil {
		return &TransactionOptions{Log: log.Default()}
	}
	return &TransactionOptions{
		Timings: o.Timings,
		Clock:   o.Clock,
		Sink:    o.Sink,
		Metrics: o.Metrics,
		Log:     o.log(),
	}
}

func (o *TransactionLayerOptions) staleTimeout() time.Duration {
	switch {
	case o == nil || o.StaleTimeout == 0:
		return DefaultStaleTransactionTimeout
	case o.StaleTimeout < 0:
		return 0
	}
	return o.StaleTimeout
}

func (o *TransactionLayerOptions) strayRes() StrayResponseHandler {
	if o == nil {
		return nil
	}
	return o.StrayResponseHandler
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type layerTx interface {
	Transaction
	start(ctx context.Context) error
	abort(ctx context.Context, reason error) error
	transportFailed(ctx context.Context, err error)
}

type serverTx interface {
	ServerTransaction
	layerTx
}

type clientTx interface {
	ClientTransaction
	layerTx
}

// TransactionLayer matches inbound messages to transactions and owns the transaction stores.
//
// Inbound requests that match no transaction create a server transaction,
// whose first request event is published to the sink.
// ACKs that match no transaction are published to the sink as stray requests.
// Inbound responses that match no transaction are passed to the stray response handler or dropped.
// Terminated transactions linger in the stores for [TimingConfig.Linger] to absorb late retransmissions.
// Transactions stuck in a state without a SIP timer are terminated after
// [TransactionLayerOptions.StaleTimeout].
type TransactionLayer struct {
	w        FlowWriter
	srvTxs   *syncutil.ShardMap[ServerTransactionKey, serverTx]
	clnTxs   *syncutil.ShardMap[ClientTransactionKey, clientTx]
	timers   *syncutil.ShardMap[Transaction, *timeutil.Timer]
	txOpts   *TransactionOptions
	linger   TimingConfig
	stale    time.Duration
	sink     EventSink
	strayRes StrayResponseHandler
	metrics  *Metrics
	log      *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionLayer creates a new [TransactionLayer].
// The writer is used to send messages of all transactions, usually it is a [FlowManager].
func NewTransactionLayer(w FlowWriter, opts *TransactionLayerOptions) (*TransactionLayer, error) {
	if w == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid flow writer"))
	}

	txOpts := opts.txOpts()
	return &TransactionLayer{
		w:        w,
		srvTxs:   syncutil.NewShardMap[ServerTransactionKey, serverTx](),
		clnTxs:   syncutil.NewShardMap[ClientTransactionKey, clientTx](),
		timers:   syncutil.NewShardMap[Transaction, *timeutil.Timer](),
		txOpts:   txOpts,
		linger:   txOpts.Timings,
		stale:    opts.staleTimeout(),
		sink:     txOpts.Sink,
		strayRes: opts.strayRes(),
		metrics:  txOpts.Metrics,
		log:      txOpts.Log,
	}, nil
}

// RecvRequest matches the inbound request received over the flow.
//
// A request that matches a live server transaction is passed to it.
// A request that matches a terminated transaction is dropped.
// An unmatched ACK is published as a [RequestEvent] without a transaction.
// Any other unmatched request creates a new server transaction.
// Requests lacking the fields required for matching are rejected with [ErrMalformedMatch].
func (txl *TransactionLayer) RecvRequest(ctx context.Context, req Request, f *Flow) error {
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		txl.metrics.messageDropped(dropMalformed)
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request due to transaction key error",
			slog.Any("request", log.StringValue(req)),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	if tx, ok := txl.srvTxs.Get(key); ok {
		return errtrace.Wrap(txl.feedServer(ctx, tx, req))
	}

	if IsAck(req) {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "passing stray ACK request",
			slog.Any("key", key),
			slog.Any("flow", f),
		)
		if txl.sink != nil {
			txl.sink(ctx, &RequestEvent{Request: req, flow: f})
		}
		return nil
	}

	if txl.closing.Load() {
		txl.metrics.messageDropped(dropClosed)
		txl.respondStateless(ctx, req, f, StatusServiceUnavailable, "Service Unavailable")
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}

	tx, err := txl.newServerTx(req, f, key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if actual, loaded := txl.srvTxs.GetOrSet(key, tx); loaded {
		// another goroutine created the transaction first
		return errtrace.Wrap(txl.feedServer(ctx, actual, req))
	}

	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			txl.lingerServer(ctx, key, tx)
			return
		}
		txl.guardStale(ctx, tx, to)
	})
	if err := tx.start(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	txl.guardStale(ctx, tx, tx.State())
	return nil
}

func (txl *TransactionLayer) newServerTx(req Request, f *Flow, key ServerTransactionKey) (serverTx, error) {
	if IsInvite(req) {
		return errtrace.Wrap2(newInviteServerTransaction(req, f, txl.w, txl.txOpts))
	}

	tx, err := newNonInviteServerTransaction(req, f, txl.w, txl.txOpts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if IsCancel(req) {
		invKey := key
		invKey.Method = MethodInvite
		if inv, ok := txl.srvTxs.Get(invKey); ok {
			tx.cancelled = inv
		}
	}
	return tx, nil
}

func (txl *TransactionLayer) feedServer(ctx context.Context, tx serverTx, req Request) error {
	if tx.State() == TransactionStateTerminated {
		txl.metrics.messageDropped(dropTerminated)
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request matched to terminated transaction",
			slog.Any("transaction", tx),
		)
		return nil
	}

	if err := tx.RecvRequest(ctx, req); err != nil {
		if errors.Is(err, ErrTransactionTerminated) {
			txl.metrics.messageDropped(dropTerminated)
			return nil
		}
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound request due to transaction receive error",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	return nil
}

// RecvResponse matches the inbound response received over the flow.
//
// A response that matches a live client transaction is passed to it.
// A response that matches a terminated transaction is dropped, the transaction is never resurrected.
// Unmatched responses go to the stray response handler.
func (txl *TransactionLayer) RecvResponse(ctx context.Context, res Response, f *Flow) error {
	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		txl.metrics.messageDropped(dropMalformed)
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response due to transaction key error",
			slog.Any("response", log.StringValue(res)),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	tx, ok := txl.clnTxs.Get(key)
	if !ok {
		txl.metrics.messageDropped(dropStray)
		if txl.strayRes != nil {
			txl.strayRes(ctx, res, f)
			return nil
		}
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response due to missing transaction",
			slog.Any("key", key),
			slog.Int("status", res.StatusCode()),
		)
		return nil
	}

	if tx.State() == TransactionStateTerminated {
		txl.metrics.messageDropped(dropTerminated)
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response matched to terminated transaction",
			slog.Any("transaction", tx),
		)
		return nil
	}

	if err := tx.RecvResponse(ctx, res); err != nil {
		if errors.Is(err, ErrTransactionTerminated) {
			txl.metrics.messageDropped(dropTerminated)
			return nil
		}
		txl.log.LogAttrs(ctx, slog.LevelDebug, "discarding inbound response due to transaction receive error",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	return nil
}

// NewClientTransaction creates a client transaction bound to the flow and sends the request.
//
// ACK requests have no transaction, send them with [Stack.SendStateless].
// A request whose key is already in use fails with [ErrTransactionExists].
// If the first send fails, the transaction is terminated and the send error is returned.
func (txl *TransactionLayer) NewClientTransaction(ctx context.Context, req Request, f *Flow) (ClientTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	if IsAck(req) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK request cannot start a transaction"))
	}

	var (
		tx  clientTx
		err error
	)
	if IsInvite(req) {
		tx, err = newInviteClientTransaction(req, f, txl.w, txl.txOpts)
	} else {
		tx, err = newNonInviteClientTransaction(req, f, txl.w, txl.txOpts)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	if _, loaded := txl.clnTxs.GetOrSet(key, tx); loaded {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "client transaction %v", key))
	}

	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			txl.lingerClient(ctx, key, tx)
			return
		}
		txl.guardStale(ctx, tx, to)
	})
	if err := tx.start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (txl *TransactionLayer) lingerServer(ctx context.Context, key ServerTransactionKey, tx serverTx) {
	drop := func() { txl.srvTxs.DelIf(key, func(v serverTx) bool { return v == tx }) }
	txl.armLinger(ctx, tx, drop)
}

func (txl *TransactionLayer) lingerClient(ctx context.Context, key ClientTransactionKey, tx clientTx) {
	drop := func() { txl.clnTxs.DelIf(key, func(v clientTx) bool { return v == tx }) }
	txl.armLinger(ctx, tx, drop)
}

func (txl *TransactionLayer) armLinger(ctx context.Context, tx Transaction, drop func()) {
	d := txl.linger.Linger()
	if d <= 0 || txl.closing.Load() {
		txl.stopTimer(tx)
		drop()
		return
	}

	tmr := txl.setTimer(tx, d, false, drop)
	txl.log.LogAttrs(ctx, slog.LevelDebug, "transaction lingering",
		slog.Any("transaction", tx),
		slog.Any("timer", tmr),
	)
}

// staleState reports whether the transaction state is ended by no SIP timer.
func staleState(tx Transaction, state TransactionState) bool {
	switch tx.(type) {
	case *InviteClientTransaction:
		return state == TransactionStateProceeding
	case ServerTransaction:
		return state == TransactionStateTrying || state == TransactionStateProceeding
	}
	return false
}

// guardStale arms the stale timer when the transaction enters a state without a SIP timer
// and stops it when the transaction leaves such states.
// Staying in the same state does not re-arm the timer.
func (txl *TransactionLayer) guardStale(ctx context.Context, tx layerTx, state TransactionState) {
	if txl.stale <= 0 || txl.closing.Load() {
		return
	}
	if !staleState(tx, state) {
		txl.stopTimer(tx)
		return
	}

	tmr := txl.setTimer(tx, txl.stale, true, func() {
		ctx := context.Background()
		txl.log.LogAttrs(ctx, slog.LevelWarn, "terminating stale transaction",
			slog.Any("transaction", tx),
			slog.Duration("timeout", txl.stale),
		)
		if err := tx.abort(ctx, ErrTransactionStale); err != nil {
			txl.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate stale transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	})
	if tmr != nil {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "stale timer started",
			slog.Any("transaction", tx),
			slog.Any("timer", tmr),
		)
	}
}

// setTimer arms the layer timer of the transaction, replacing the previous one.
// If keep is set, a running timer is left alone and nil is returned.
// A stale state guard is never armed for a transaction that already left that state.
func (txl *TransactionLayer) setTimer(tx Transaction, d time.Duration, keep bool, fn func()) *timeutil.Timer {
	var tmr *timeutil.Timer
	txl.timers.Compute(tx, func(cur *timeutil.Timer, ok bool) (*timeutil.Timer, bool) {
		if ok {
			if keep {
				return cur, true
			}
			cur.Stop()
		}
		if keep && !staleState(tx, tx.State()) {
			return nil, false
		}
		// the callback removes the entry under the same shard lock,
		// so it observes tmr assigned
		tmr = timeutil.AfterFunc(txl.txOpts.clock(), d, func() {
			if txl.timers.DelIf(tx, func(v *timeutil.Timer) bool { return v == tmr }) {
				fn()
			}
		})
		return tmr, true
	})
	return tmr
}

func (txl *TransactionLayer) stopTimer(tx Transaction) {
	if tmr, ok := txl.timers.Del(tx); ok {
		tmr.Stop()
	}
}

// ServerTransaction returns the server transaction with the given key, lingering ones included.
func (txl *TransactionLayer) ServerTransaction(key ServerTransactionKey) (ServerTransaction, bool) {
	tx, ok := txl.srvTxs.Get(key)
	if !ok {
		return nil, false
	}
	return tx, true
}

// ClientTransaction returns the client transaction with the given key, lingering ones included.
func (txl *TransactionLayer) ClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	tx, ok := txl.clnTxs.Get(key)
	if !ok {
		return nil, false
	}
	return tx, true
}

// Len returns the number of stored transactions, lingering ones included.
func (txl *TransactionLayer) Len() int {
	return txl.srvTxs.Size() + txl.clnTxs.Size()
}

// All iterates over the stored transactions.
func (txl *TransactionLayer) All() iter.Seq[Transaction] {
	return func(yield func(Transaction) bool) {
		for _, tx := range txl.srvTxs.Items() {
			if !yield(tx) {
				return
			}
		}
		for _, tx := range txl.clnTxs.Items() {
			if !yield(tx) {
				return
			}
		}
	}
}

// FlowTerminated fails the live transactions bound to the terminated reliable flow
// with a transport error.
func (txl *TransactionLayer) FlowTerminated(ctx context.Context, f *Flow, reason error) {
	if !f.IsReliable() {
		return
	}

	err := errorutil.NewWrapperError(ErrFlowClosed, reason)
	for tx := range txl.All() {
		if tx.Flow() != f || tx.State() == TransactionStateTerminated {
			continue
		}
		if ltx, ok := tx.(layerTx); ok {
			ltx.transportFailed(ctx, err)
		}
	}
}

func (txl *TransactionLayer) respondStateless(ctx context.Context, req Request, f *Flow, code int, reason string) {
	res, err := req.NewResponse(code, reason)
	if err != nil {
		txl.log.LogAttrs(ctx, slog.LevelWarn, "failed to build stateless response",
			slog.Int("status", code),
			slog.Any("error", err),
		)
		return
	}
	if err := txl.w.WriteMessage(ctx, f, res); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "failed to send stateless response",
			slog.Int("status", code),
			slog.Any("flow", f),
			slog.Any("error", err),
		)
	}
}

// Close terminates all transactions with [ErrTransactionLayerClosed] and clears the stores.
// New transactions are rejected afterwards, inbound requests are answered with 503.
func (txl *TransactionLayer) Close(ctx context.Context) error {
	txl.closing.Store(true)
	txl.closeOnce.Do(func() {
		txl.closeErr = txl.close(ctx)
	})
	return errtrace.Wrap(txl.closeErr)
}

func (txl *TransactionLayer) close(ctx context.Context) error {
	for _, tmr := range txl.timers.Items() {
		tmr.Stop()
	}

	var errs []error
	for key, tx := range txl.clnTxs.Items() {
		if err := tx.abort(ctx, ErrTransactionLayerClosed); err != nil {
			errs = append(errs, fmt.Errorf("terminate client transaction %v: %w", key, err))
		}
	}
	for key, tx := range txl.srvTxs.Items() {
		if err := tx.abort(ctx, ErrTransactionLayerClosed); err != nil {
			errs = append(errs, fmt.Errorf("terminate server transaction %v: %w", key, err))
		}
	}
	txl.clnTxs.Clear()
	txl.srvTxs.Clear()
	txl.timers.Clear()

	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction layer:", errs...))
}
