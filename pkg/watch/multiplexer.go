package watch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"github.com/kubestellar/cluster-proxy/pkg/metrics"
)

const (
	defaultGracePeriod = 10 * time.Second
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second

	// A watch that ends sooner than minWatchDuration without delivering
	// anything is reopened after a jittered shortWatchDelay
	minWatchDuration = time.Second
	shortWatchDelay  = time.Second
)

// Option configures a Multiplexer
type Option func(*Multiplexer)

// WithGracePeriod sets how long an unused stream is kept before it is closed
func WithGracePeriod(d time.Duration) Option {
	return func(m *Multiplexer) { m.grace = d }
}

// WithClock replaces the clock used for grace periods and backoff
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Multiplexer) { m.clock = c }
}

// Multiplexer shares one upstream list+watch per key among any number of
// subscribers and keeps an in-memory cache of the key's objects.
type Multiplexer struct {
	source  SourceFunc
	grace   time.Duration
	clock   clock.WithDelayedExecution
	backoff wait.Backoff

	mu      sync.Mutex
	streams map[Key]*stream
	nextSub uint64
	closed  bool
}

// NewMultiplexer creates a multiplexer reading from source
func NewMultiplexer(source SourceFunc, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source:  source,
		grace:   defaultGracePeriod,
		clock:   clock.RealClock{},
		streams: make(map[Key]*stream),
		backoff: wait.Backoff{
			Duration: initialBackoff,
			Factor:   2,
			Steps:    32,
			Cap:      maxBackoff,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscription is one consumer of a key
type Subscription struct {
	id        uint64
	key       Key
	handler   Handler
	m         *Multiplexer
	stream    *stream
	closeOnce sync.Once
}

// Key returns the key the subscription is attached to
func (s *Subscription) Key() Key {
	return s.key
}

// Close detaches the subscription. The upstream stream is closed once the
// last subscriber has left and the grace period has elapsed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.m.unsubscribe(s)
	})
}

// Subscribe attaches handler to key. The first subscriber of a key starts
// the upstream stream; later subscribers receive the current cache as Added
// events.
func (m *Multiplexer) Subscribe(key Key, handler Handler) (*Subscription, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := m.streams[key]
	if !ok {
		st = newStream(m, key)
		m.streams[key] = st
		go st.run()
	}
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
		log.WithField("cluster", key.Cluster).Debugf("[Watch] reusing cached stream %s", key)
	}
	st.refs++
	m.nextSub++
	sub := &Subscription{id: m.nextSub, key: key, handler: handler, m: m, stream: st}
	m.mu.Unlock()

	metrics.WatchSubscribers.Inc()
	st.addSubscriber(sub)
	return sub, nil
}

func (m *Multiplexer) unsubscribe(sub *Subscription) {
	st := sub.stream
	st.removeSubscriber(sub)
	metrics.WatchSubscribers.Dec()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[sub.key] != st {
		// Already cancelled
		return
	}
	st.refs--
	if st.refs > 0 {
		return
	}
	if m.grace <= 0 {
		delete(m.streams, sub.key)
		st.stop()
		return
	}
	st.graceTimer = m.clock.AfterFunc(m.grace, func() {
		m.expire(st)
	})
}

func (m *Multiplexer) expire(st *stream) {
	m.mu.Lock()
	if m.streams[st.key] != st || st.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.streams, st.key)
	st.graceTimer = nil
	m.mu.Unlock()

	log.WithField("cluster", st.key.Cluster).Debugf("[Watch] grace period elapsed, closing %s", st.key)
	st.stop()
}

// CancelCluster immediately closes every stream of a cluster. Its
// subscribers receive no further events.
func (m *Multiplexer) CancelCluster(cluster string) {
	m.mu.Lock()
	var cancelled []*stream
	for key, st := range m.streams {
		if key.Cluster != cluster {
			continue
		}
		if st.graceTimer != nil {
			st.graceTimer.Stop()
			st.graceTimer = nil
		}
		delete(m.streams, key)
		cancelled = append(cancelled, st)
	}
	m.mu.Unlock()

	for _, st := range cancelled {
		st.stop()
	}
	if len(cancelled) > 0 {
		log.WithField("cluster", cluster).Printf("[Watch] cancelled %d streams", len(cancelled))
	}
}

// Keys returns the keys with a live upstream stream
func (m *Multiplexer) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	return keys
}

// Close stops every stream and waits for them to exit
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	streams := make([]*stream, 0, len(m.streams))
	for key, st := range m.streams {
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		delete(m.streams, key)
		streams = append(streams, st)
	}
	m.mu.Unlock()

	for _, st := range streams {
		st.stop()
		<-st.done
	}
}

// stream is the single upstream list+watch of one key
type stream struct {
	key    Key
	m      *Multiplexer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Multiplexer.mu
	refs       int
	graceTimer clock.Timer

	// mu serializes cache updates and delivery so every subscriber sees
	// events in upstream order
	mu              sync.Mutex
	subs            []*Subscription
	cache           map[types.UID]*unstructured.Unstructured
	order           []types.UID
	resourceVersion string
	listed          bool
}

func newStream(m *Multiplexer, key Key) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	metrics.WatchStreams.Inc()
	return &stream{
		key:    key,
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cache:  make(map[types.UID]*unstructured.Unstructured),
	}
}

func (st *stream) stop() {
	st.cancel()
}

func (st *stream) addSubscriber(sub *Subscription) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.subs = append(st.subs, sub)
	if !st.listed {
		// The initial list delivers Added events to everyone subscribed by then
		return
	}
	for _, uid := range st.order {
		sub.handler(Event{Type: Added, Object: st.cache[uid]})
	}
}

func (st *stream) removeSubscriber(sub *Subscription) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.subs {
		if s == sub {
			st.subs = append(st.subs[:i:i], st.subs[i+1:]...)
			return
		}
	}
}

func (st *stream) run() {
	defer close(st.done)
	defer metrics.WatchStreams.Dec()

	logger := log.WithField("cluster", st.key.Cluster)
	backoff := st.m.backoff
	needList := true

	for {
		if st.ctx.Err() != nil {
			return
		}

		start := st.m.clock.Now()
		listed, received, err := st.cycle(&needList)
		if listed {
			backoff = st.m.backoff
		}
		if err == nil {
			// Closed normally; resume from the cursor
			if received || st.m.clock.Since(start) >= minWatchDuration {
				continue
			}
			delay := wait.Jitter(shortWatchDelay, 1.0)
			logger.Debugf("[Watch] %s closed without events, rewatching in %s", st.key, delay)
			select {
			case <-st.ctx.Done():
				return
			case <-st.m.clock.After(delay):
			}
			continue
		}
		if st.ctx.Err() != nil {
			return
		}

		delay := backoff.Step()
		logger.Warnf("[Watch] %s failed, relisting in %s: %v", st.key, delay, err)
		st.invalidate()
		needList = true

		select {
		case <-st.ctx.Done():
			return
		case <-st.m.clock.After(delay):
		}
	}
}

// cycle lists when needed, then watches until the stream ends. received
// reports whether the watch delivered any event.
func (st *stream) cycle(needList *bool) (listed, received bool, err error) {
	lw, err := st.m.source(st.ctx, st.key)
	if err != nil {
		return false, false, fmt.Errorf("resolve upstream: %w", err)
	}
	if *needList {
		if err := st.list(lw); err != nil {
			return false, false, err
		}
		*needList = false
		listed = true
	}
	received, err = st.watch(lw)
	return listed, received, err
}

func (st *stream) list(lw ListerWatcher) error {
	list, err := lw.List(st.ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.cache = make(map[types.UID]*unstructured.Unstructured, len(list.Items))
	st.order = st.order[:0]
	for i := range list.Items {
		obj := &list.Items[i]
		st.upsert(obj)
	}
	st.resourceVersion = list.GetResourceVersion()

	if !st.listed {
		st.listed = true
		for _, uid := range st.order {
			st.deliver(Event{Type: Added, Object: st.cache[uid]})
		}
		return nil
	}

	metrics.WatchResyncsTotal.WithLabelValues(st.key.Cluster).Inc()
	snapshot := st.snapshot()
	for _, sub := range st.subs {
		sub.handler(Event{Type: Resync, Objects: snapshot})
	}
	return nil
}

func (st *stream) watch(lw ListerWatcher) (received bool, err error) {
	st.mu.Lock()
	rv := st.resourceVersion
	st.mu.Unlock()

	w, err := lw.Watch(st.ctx, metav1.ListOptions{
		ResourceVersion:     rv,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if isExpired(err) {
			return false, fmt.Errorf("%w: %v", ErrStreamExpired, err)
		}
		return false, fmt.Errorf("watch: %w", err)
	}
	defer w.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return received, st.ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return received, nil
			}
			received = true
			if err := st.handle(ev); err != nil {
				return received, err
			}
		}
	}
}

func (st *stream) handle(ev apiwatch.Event) error {
	metrics.WatchEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case apiwatch.Error:
		err := apierrors.FromObject(ev.Object)
		if isExpired(err) {
			return fmt.Errorf("%w: %v", ErrStreamExpired, err)
		}
		return fmt.Errorf("watch error event: %w", err)
	case apiwatch.Bookmark:
		if accessor, err := meta.Accessor(ev.Object); err == nil {
			st.mu.Lock()
			st.resourceVersion = accessor.GetResourceVersion()
			st.mu.Unlock()
		}
		return nil
	}

	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		return fmt.Errorf("unexpected object type %T", ev.Object)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if olderThan(obj.GetResourceVersion(), st.resourceVersion) {
		return nil
	}
	st.resourceVersion = obj.GetResourceVersion()

	var t EventType
	switch ev.Type {
	case apiwatch.Added:
		t = Added
		st.upsert(obj)
	case apiwatch.Modified:
		t = Modified
		st.upsert(obj)
	case apiwatch.Deleted:
		t = Deleted
		st.remove(obj.GetUID())
	default:
		return nil
	}
	st.deliver(Event{Type: t, Object: obj})
	return nil
}

// invalidate drops the cache after a stream failure
func (st *stream) invalidate() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cache = make(map[types.UID]*unstructured.Unstructured)
	st.order = st.order[:0]
	st.resourceVersion = ""
}

// callers hold st.mu
func (st *stream) deliver(ev Event) {
	for _, sub := range st.subs {
		sub.handler(ev)
	}
}

// callers hold st.mu
func (st *stream) upsert(obj *unstructured.Unstructured) {
	uid := obj.GetUID()
	if _, exists := st.cache[uid]; !exists {
		st.order = append(st.order, uid)
	}
	st.cache[uid] = obj
}

// callers hold st.mu
func (st *stream) remove(uid types.UID) {
	if _, exists := st.cache[uid]; !exists {
		return
	}
	delete(st.cache, uid)
	for i, u := range st.order {
		if u == uid {
			st.order = append(st.order[:i:i], st.order[i+1:]...)
			break
		}
	}
}

// callers hold st.mu
func (st *stream) snapshot() []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(st.order))
	for _, uid := range st.order {
		out = append(out, st.cache[uid])
	}
	return out
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// olderThan reports whether resource version a is numerically below b.
// Versions that do not parse are never considered stale.
func olderThan(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	av, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	bv, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return false
	}
	return av < bv
}
