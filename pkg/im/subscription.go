package im

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/exchange"
	"github.com/fenwick-iot/matterhub/pkg/im/message"
	"github.com/pion/logging"
)

// ResubscribeSlack is added to MaxInterval before a subscription is
// considered to have lost liveness.
// Spec: Section 8.5.2 "Subscriptions and Resubscriptions"
const ResubscribeSlack = 1 * time.Second

// attrKey identifies an (endpoint, cluster, attribute) tuple in the dirty set.
type attrKey struct {
	Endpoint  message.EndpointID
	Cluster   message.ClusterID
	Attribute message.AttributeID
}

// Subscription represents one server-side standing subscription.
//
// A subscription owns no exchange by itself: it publishes reports over the
// exchange context that was used for the original SubscribeRequest, which is
// kept open for the lifetime of the subscription (Matter exchanges may
// outlive a single request/response when a protocol keeps them alive, as
// subscriptions do).
type Subscription struct {
	id          message.SubscriptionID
	fabricIndex uint8
	peerNodeID  uint64

	minInterval time.Duration
	maxInterval time.Duration

	attributePaths     []message.AttributePathIB
	eventPaths         []message.EventPathIB
	dataVersionFilters []message.DataVersionFilterIB
	fabricFiltered     bool

	exchangeCtx *exchange.ExchangeContext
	reader      AttributeReader
	maxPayload  int

	mgr *SubscriptionManager

	mu           sync.Mutex
	dirty        map[attrKey]struct{}
	lastReportAt time.Time
	lastAckAt    time.Time
	timedOut     bool
	closed       bool

	wake chan struct{}
	done chan struct{}
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() message.SubscriptionID { return s.id }

// markDirty flags an attribute as changed and nudges the publish loop.
func (s *Subscription) markDirty(key attrKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.dirty[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// matches reports whether a written path falls within this subscription's
// requested attribute paths (honoring the wildcard semantics of §4.G.1).
func (s *Subscription) matches(path message.AttributePathIB) bool {
	for _, p := range s.attributePaths {
		if p.Endpoint != nil && (path.Endpoint == nil || *p.Endpoint != *path.Endpoint) {
			continue
		}
		if p.Cluster != nil && (path.Cluster == nil || *p.Cluster != *path.Cluster) {
			continue
		}
		if p.Attribute != nil && (path.Attribute == nil || *p.Attribute != *path.Attribute) {
			continue
		}
		return true
	}
	return false
}

// noteAck refreshes liveness on receipt of a peer ack for this subscription's
// exchange.
func (s *Subscription) noteAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAckAt = time.Now()
}

// run is the per-subscription publish loop. One goroutine per subscription,
// consistent with the node's "actor per long-lived entity" concurrency model.
func (s *Subscription) run() {
	defer close(s.done)

	livenessDeadline := s.maxInterval + ResubscribeSlack
	ticker := time.NewTicker(pickTick(s.minInterval, s.maxInterval))
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.publishIfDue()
		case <-ticker.C:
			s.publishIfDue()
			if s.livenessExpired(livenessDeadline) {
				s.mgr.timeoutSubscription(s)
				return
			}
		case <-s.mgr.ctx.Done():
			return
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

func pickTick(min, max time.Duration) time.Duration {
	// Wake frequently enough to honor MinInterval without busy-looping; never
	// coarser than MaxInterval itself.
	t := min
	if t <= 0 {
		t = 100 * time.Millisecond
	}
	if t > max {
		t = max
	}
	return t
}

func (s *Subscription) livenessExpired(deadline time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAckAt.IsZero() {
		return time.Since(s.lastReportAt) > deadline
	}
	return time.Since(s.lastAckAt) > deadline
}

// publishIfDue sends a report when the dirty set is non-empty and the
// MinInterval floor has elapsed since the previous report.
func (s *Subscription) publishIfDue() {
	s.mu.Lock()
	if s.closed || len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastReportAt) < s.minInterval {
		s.mu.Unlock()
		return
	}
	paths := make([]attrKey, 0, len(s.dirty))
	for k := range s.dirty {
		paths = append(paths, k)
	}
	s.dirty = make(map[attrKey]struct{})
	s.mu.Unlock()

	report := s.buildReport(paths)
	payload, err := EncodeReportData(report)
	if err != nil {
		return
	}

	if s.exchangeCtx != nil {
		if err := s.exchangeCtx.SendMessage(uint8(message.OpcodeReportData), payload, true); err != nil {
			return
		}
	}

	s.mu.Lock()
	s.lastReportAt = time.Now()
	s.mu.Unlock()

	s.mgr.metrics.observeReport(s)
}

func (s *Subscription) buildReport(paths []attrKey) *message.ReportDataMessage {
	report := &message.ReportDataMessage{
		SubscriptionID:   &s.id,
		SuppressResponse: false,
	}

	for _, k := range paths {
		endpoint, cluster, attribute := k.Endpoint, k.Cluster, k.Attribute
		path := message.AttributePathIB{
			Endpoint:  &endpoint,
			Cluster:   &cluster,
			Attribute: &attribute,
		}

		if s.reader == nil {
			continue
		}

		readCtx := &ReadContext{
			Exchange:         s.exchangeCtx,
			FabricIndex:      s.fabricIndex,
			IsFabricFiltered: s.fabricFiltered,
			SourceNodeID:     s.peerNodeID,
		}
		result, err := s.reader(readCtx, path)
		if err != nil || result == nil {
			continue
		}
		if result.Status != nil {
			report.AttributeReports = append(report.AttributeReports, message.AttributeReportIB{
				AttributeStatus: &message.AttributeStatusIB{Path: path, Status: *result.Status},
			})
			continue
		}
		report.AttributeReports = append(report.AttributeReports, message.AttributeReportIB{
			AttributeData: &message.AttributeDataIB{
				DataVersion: result.DataVersion,
				Path:        path,
				Data:        result.Data,
			},
		})
	}

	return report
}

// Cancel tears down the subscription and stops its publish loop.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubscriptionParams describes an accepted SubscribeRequest, after the
// server has clamped MinInterval/MaxInterval.
type SubscriptionParams struct {
	FabricIndex        uint8
	PeerNodeID         uint64
	MinInterval        time.Duration
	MaxInterval        time.Duration
	AttributePaths     []message.AttributePathIB
	EventPaths         []message.EventPathIB
	DataVersionFilters []message.DataVersionFilterIB
	FabricFiltered     bool
	KeepSubscriptions  bool
}

// SubscriptionManager owns every live server-side Subscription, dispatches
// dirty notifications from attribute writes, and evicts subscriptions whose
// peer stops acknowledging reports.
//
// Spec: Section 4.H "Subscription Manager"
type SubscriptionManager struct {
	mu            sync.Mutex
	byID          map[message.SubscriptionID]*Subscription
	byPeer        map[uint64][]*Subscription
	nextID        uint32
	ctx           cancelContext
	maxPayload    int
	metrics       *subscriptionMetrics
	log           logging.LeveledLogger
}

// cancelContext is the minimal subset of context.Context the manager needs,
// kept narrow so tests can stub it without importing context everywhere.
type cancelContext interface {
	Done() <-chan struct{}
}

// NewSubscriptionManager creates a SubscriptionManager. done is closed when
// the owning node shuts down, cascading cancellation to every subscription.
func NewSubscriptionManager(done <-chan struct{}, maxPayload int, logFactory logging.LoggerFactory) *SubscriptionManager {
	m := &SubscriptionManager{
		byID:       make(map[message.SubscriptionID]*Subscription),
		byPeer:     make(map[uint64][]*Subscription),
		maxPayload: maxPayload,
		ctx:        doneCtx(done),
		metrics:    newSubscriptionMetrics(),
		nextID:     rand.Uint32() % 1_000_000,
	}
	if logFactory != nil {
		m.log = logFactory.NewLogger("im-subscription")
	}
	return m
}

type doneCtx <-chan struct{}

func (d doneCtx) Done() <-chan struct{} { return d }

// Create registers and starts a new subscription. reader is used to re-read
// attribute values when the dirty set fires; it is typically the engine's
// dispatcher-backed AttributeReader.
func (m *SubscriptionManager) Create(
	exchCtx *exchange.ExchangeContext,
	params SubscriptionParams,
	reader AttributeReader,
) *Subscription {
	m.mu.Lock()
	if !params.KeepSubscriptions {
		for _, existing := range m.byPeer[params.PeerNodeID] {
			existing.Cancel()
		}
		delete(m.byPeer, params.PeerNodeID)
	}
	m.nextID++
	id := message.SubscriptionID(m.nextID)
	m.mu.Unlock()

	sub := &Subscription{
		id:                 id,
		fabricIndex:        params.FabricIndex,
		peerNodeID:         params.PeerNodeID,
		minInterval:        params.MinInterval,
		maxInterval:        params.MaxInterval,
		attributePaths:     params.AttributePaths,
		eventPaths:         params.EventPaths,
		dataVersionFilters: params.DataVersionFilters,
		fabricFiltered:     params.FabricFiltered,
		exchangeCtx:        exchCtx,
		reader:             reader,
		maxPayload:         m.maxPayload,
		mgr:                m,
		dirty:              make(map[attrKey]struct{}),
		lastReportAt:       time.Now(),
		lastAckAt:          time.Now(),
		wake:               make(chan struct{}, 1),
		done:               make(chan struct{}),
	}

	m.mu.Lock()
	m.byID[id] = sub
	m.byPeer[params.PeerNodeID] = append(m.byPeer[params.PeerNodeID], sub)
	m.mu.Unlock()

	m.metrics.active.Inc()
	go sub.run()

	return sub
}

// MarkAttributeChanged forwards a changed attribute path to every
// subscription whose requested paths cover it.
func (m *SubscriptionManager) MarkAttributeChanged(path message.AttributePathIB) {
	if path.Endpoint == nil || path.Cluster == nil || path.Attribute == nil {
		return
	}
	key := attrKey{Endpoint: *path.Endpoint, Cluster: *path.Cluster, Attribute: *path.Attribute}

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.byID))
	for _, s := range m.byID {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.matches(path) {
			s.markDirty(key)
		}
	}
}

// NoteAck refreshes liveness for the subscription associated with the given
// exchange, if any. Returns true if a subscription was found.
func (m *SubscriptionManager) NoteAck(ctx *exchange.ExchangeContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.exchangeCtx == ctx {
			s.noteAck()
			return true
		}
	}
	return false
}

// Cancel removes and stops the named subscription.
func (m *SubscriptionManager) Cancel(id message.SubscriptionID) {
	m.mu.Lock()
	sub, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		peerSubs := m.byPeer[sub.peerNodeID]
		for i, s := range peerSubs {
			if s == sub {
				m.byPeer[sub.peerNodeID] = append(peerSubs[:i], peerSubs[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		sub.Cancel()
		m.metrics.active.Dec()
	}
}

// CancelForPeer cancels every subscription owned by a peer node, used when
// the underlying session is destroyed (fabric removal, session loss).
func (m *SubscriptionManager) CancelForPeer(peerNodeID uint64) {
	m.mu.Lock()
	subs := m.byPeer[peerNodeID]
	delete(m.byPeer, peerNodeID)
	for _, s := range subs {
		delete(m.byID, s.id)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
		m.metrics.active.Dec()
	}
}

// timeoutSubscription is invoked by a Subscription's own run loop once its
// liveness deadline has elapsed.
func (m *SubscriptionManager) timeoutSubscription(s *Subscription) {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()

	if m.log != nil {
		m.log.Warnf("subscription %d timed out waiting for peer ack", s.id)
	}
	m.metrics.timeouts.Inc()
	m.Cancel(s.id)
}

// Active returns the number of currently live subscriptions.
func (m *SubscriptionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// CancelAll stops every live subscription, used when the owning engine is
// shut down outside of its Done channel (e.g. test teardown).
func (m *SubscriptionManager) CancelAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.byID))
	for _, s := range m.byID {
		subs = append(subs, s)
	}
	m.byID = make(map[message.SubscriptionID]*Subscription)
	m.byPeer = make(map[uint64][]*Subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
		m.metrics.active.Dec()
	}
}
