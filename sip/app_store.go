package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"
	"golang.org/x/sync/singleflight"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/log"
)

// Instance is an application instance: the application bound to a key,
// its [AppContext] and a private FIFO mailbox that serializes the calls.
type Instance struct {
	key  string
	app  Application
	actx *AppContext

	mu      sync.Mutex
	queue   []*instJob
	running bool
}

type instJob struct {
	ctx  context.Context //nolint:containedctx
	ev   Event
	done chan struct{}
}

func newInstance(key string, app Application, actx *AppContext) *Instance {
	return &Instance{key: key, app: app, actx: actx}
}

// Key returns the application key.
func (inst *Instance) Key() string { return inst.key }

// Application returns the instance application.
func (inst *Instance) Application() Application { return inst.app }

// Context returns the instance attribute bag.
func (inst *Instance) Context() *AppContext { return inst.actx }

// Queued returns the number of events waiting in the instance mailbox,
// the one being handled excluded.
func (inst *Instance) Queued() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.queue)
}

// LogValue implements [slog.LogValuer].
func (inst *Instance) LogValue() slog.Value {
	if inst == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("key", inst.key),
		slog.Int("queued", inst.Queued()),
	)
}

type instCtxKey struct{}

// InstanceFromContext returns the instance whose handler is running with the context.
func InstanceFromContext(ctx context.Context) (*Instance, bool) {
	inst, ok := ctx.Value(instCtxKey{}).(*Instance)
	return inst, ok
}

// submit runs the job through the instance mailbox.
//
// If no goroutine drains the mailbox, the caller becomes the drainer and returns
// once the mailbox is empty. Otherwise the caller waits for its job or for ctx.
// A submit from inside a handler of the same instance only enqueues the job;
// it runs right after the current handler returns.
func (inst *Instance) submit(ctx context.Context, ev Event, run func(ctx context.Context, ev Event)) error {
	if cur, ok := InstanceFromContext(ctx); ok && cur == inst {
		inst.mu.Lock()
		inst.queue = append(inst.queue, &instJob{ctx: ctx, ev: ev})
		if inst.running {
			inst.mu.Unlock()
			return nil
		}
		inst.running = true
		inst.mu.Unlock()

		inst.drain(run)
		return nil
	}

	job := &instJob{ctx: ctx, ev: ev, done: make(chan struct{})}
	inst.mu.Lock()
	inst.queue = append(inst.queue, job)
	if inst.running {
		inst.mu.Unlock()

		select {
		case <-job.done:
			return nil
		case <-ctx.Done():
			return errtrace.Wrap(context.Cause(ctx))
		}
	}
	inst.running = true
	inst.mu.Unlock()

	inst.drain(run)
	return nil
}

func (inst *Instance) drain(run func(ctx context.Context, ev Event)) {
	for {
		inst.mu.Lock()
		if len(inst.queue) == 0 {
			inst.running = false
			inst.mu.Unlock()
			return
		}
		job := inst.queue[0]
		inst.queue[0] = nil
		inst.queue = inst.queue[1:]
		inst.mu.Unlock()

		if job.ctx.Err() == nil {
			run(context.WithValue(job.ctx, instCtxKey{}, inst), job.ev)
		}
		if job.done != nil {
			close(job.done)
		}
	}
}

// InstanceStoreOptions are the options of an [InstanceStore].
type InstanceStoreOptions struct {
	// Metrics records the instance count. Optional.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *InstanceStoreOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *InstanceStoreOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// InstanceStore owns the application instances and their contexts.
// There is at most one instance per application key.
type InstanceStore struct {
	creator InstanceCreator
	insts   *syncutil.ShardMap[string, *Instance]
	ctxs    *syncutil.ShardMap[string, *AppContext]
	sf      singleflight.Group
	metrics *Metrics
	log     *slog.Logger
}

// NewInstanceStore creates a new [InstanceStore] creating applications with the creator.
func NewInstanceStore(creator InstanceCreator, opts *InstanceStoreOptions) (*InstanceStore, error) {
	if creator == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid instance creator"))
	}
	return &InstanceStore{
		creator: creator,
		insts:   syncutil.NewShardMap[string, *Instance](),
		ctxs:    syncutil.NewShardMap[string, *AppContext](),
		metrics: opts.metrics(),
		log:     opts.log(),
	}, nil
}

// EnsureInstance returns the instance of the key, creating it with the message if needed.
// Concurrent first calls for the same key call the creator once.
func (s *InstanceStore) EnsureInstance(ctx context.Context, key string, msg Message) (*Instance, error) {
	if key == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty application key"))
	}
	if inst, ok := s.insts.Get(key); ok {
		return inst, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		if inst, ok := s.insts.Get(key); ok {
			return inst, nil
		}

		app, err := s.creator.NewInstance(ctx, key, msg)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if app == nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("instance creator returned nil application"))
		}

		inst, loaded := s.insts.GetOrSet(key, newInstance(key, app, s.EnsureContext(key)))
		if !loaded {
			s.metrics.instanceCreated()
			s.log.LogAttrs(ctx, slog.LevelDebug, "application instance created", slog.Any("instance", inst))
		}
		return inst, nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return v.(*Instance), nil //nolint:forcetypeassert
}

// EnsureContext returns the context of the key, creating it if needed.
func (s *InstanceStore) EnsureContext(key string) *AppContext {
	if actx, ok := s.ctxs.Get(key); ok {
		return actx
	}
	actx, _ := s.ctxs.GetOrSet(key, NewAppContext(key))
	return actx
}

// Get returns the instance of the key.
func (s *InstanceStore) Get(key string) (*Instance, bool) {
	return s.insts.Get(key)
}

// Remove removes the instance and the context of the key.
// It reports whether an instance was removed.
func (s *InstanceStore) Remove(key string) bool {
	s.ctxs.Del(key)
	inst, ok := s.insts.Del(key)
	if !ok {
		return false
	}
	s.metrics.instanceRemoved()
	s.log.LogAttrs(context.Background(), slog.LevelDebug, "application instance removed", slog.Any("instance", inst))
	return true
}

// Len returns the number of instances.
func (s *InstanceStore) Len() int { return s.insts.Size() }
