package im

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/exchange"
	imsg "github.com/fenwick-iot/matterhub/pkg/im/message"
	"github.com/fenwick-iot/matterhub/pkg/message"
	"github.com/fenwick-iot/matterhub/pkg/session"
	"github.com/fenwick-iot/matterhub/pkg/tlv"
	"github.com/fenwick-iot/matterhub/pkg/transport"
	"github.com/pion/logging"
)

// SubscribeParams describes a client-initiated SubscribeRequest.
type SubscribeParams struct {
	MinIntervalFloorSeconds   uint16
	MaxIntervalCeilingSeconds uint16
	AttributePaths            []imsg.AttributePathIB
	EventPaths                []imsg.EventPathIB
	DataVersionFilters        []imsg.DataVersionFilterIB
	EventFilters              []imsg.EventFilterIB
	KeepSubscriptions         bool
	IsFabricFiltered          bool
}

// ClientSubscription is one live attach of a subscription to a peer. It
// delivers reports (including the priming read) on Reports until Close is
// called or the underlying exchange is torn down, at which point Done
// closes.
type ClientSubscription struct {
	SubscriptionID imsg.SubscriptionID

	Reports <-chan *imsg.ReportDataMessage
	Done    <-chan struct{}

	exch    *exchange.ExchangeContext
	handler *subscribeResponseHandler
}

// Close ends the subscription by closing its exchange.
func (s *ClientSubscription) Close() {
	if s.exch != nil {
		_ = s.exch.Close()
	}
}

// Subscribe sends a SubscribeRequest and blocks until the SubscribeResponse
// (or a failure status) arrives. On success the returned ClientSubscription
// keeps streaming ReportData on Reports for the life of the exchange.
//
// Spec: Section 8.5.1 "Subscribe Interaction", 4.G.5
func (c *Client) Subscribe(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	params SubscribeParams,
) (*ClientSubscription, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := &imsg.SubscribeRequestMessage{
		KeepSubscriptions:         params.KeepSubscriptions,
		MinIntervalFloorSeconds:   params.MinIntervalFloorSeconds,
		MaxIntervalCeilingSeconds: params.MaxIntervalCeilingSeconds,
		AttributeRequests:         params.AttributePaths,
		EventRequests:             params.EventPaths,
		EventFilters:              params.EventFilters,
		FabricFiltered:            params.IsFabricFiltered,
		DataVersionFilters:        params.DataVersionFilters,
	}

	payload, err := EncodeSubscribeRequest(req)
	if err != nil {
		return nil, err
	}

	handler := newSubscribeResponseHandler(c.log)

	exch, err := c.exchangeManager.NewExchange(
		sess,
		sess.LocalSessionID(),
		peerAddr,
		ProtocolID,
		handler,
	)
	if err != nil {
		return nil, err
	}
	handler.exch = exch

	if err := exch.SendMessage(uint8(imsg.OpcodeSubscribeRequest), payload, true); err != nil {
		exch.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		exch.Close()
		return nil, ErrClientTimeout
	case res := <-handler.acceptedCh:
		if res.err != nil {
			exch.Close()
			return nil, res.err
		}
		return &ClientSubscription{
			SubscriptionID: res.subscriptionID,
			Reports:        handler.reports,
			Done:           handler.done,
			exch:           exch,
			handler:        handler,
		}, nil
	}
}

// EncodeSubscribeRequest encodes a SubscribeRequestMessage to TLV.
func EncodeSubscribeRequest(req *imsg.SubscribeRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := req.Encode(w); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type subscribeAccept struct {
	subscriptionID imsg.SubscriptionID
	err            error
}

// subscribeResponseHandler is the long-lived exchange.ExchangeDelegate for a
// client subscription. Unlike readResponseHandler it does not fire its
// "once" on the first message: ReportData keeps arriving for the life of
// the subscription.
type subscribeResponseHandler struct {
	exch *exchange.ExchangeContext

	acceptedCh chan subscribeAccept
	acceptOnce sync.Once

	reports chan *imsg.ReportDataMessage
	done    chan struct{}
	closeOnce sync.Once

	log logging.LeveledLogger
}

func newSubscribeResponseHandler(log logging.LeveledLogger) *subscribeResponseHandler {
	return &subscribeResponseHandler{
		acceptedCh: make(chan subscribeAccept, 1),
		reports:    make(chan *imsg.ReportDataMessage, 16),
		done:       make(chan struct{}),
		log:        log,
	}
}

// OnMessage implements exchange.ExchangeDelegate.
func (h *subscribeResponseHandler) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	opcode := imsg.Opcode(header.ProtocolOpcode)

	switch opcode {
	case imsg.OpcodeSubscribeResponse:
		h.handleSubscribeResponse(payload)

	case imsg.OpcodeReportData:
		h.handleReportData(ctx, payload)

	case imsg.OpcodeStatusResponse:
		h.handleStatusResponse(payload)

	default:
		if h.log != nil {
			h.log.Warnf("subscribeResponseHandler unexpected opcode=%d (%s)", opcode, opcode.String())
		}
	}

	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (h *subscribeResponseHandler) OnClose(ctx *exchange.ExchangeContext) {
	h.acceptOnce.Do(func() {
		h.acceptedCh <- subscribeAccept{err: ErrClientClosed}
	})
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (h *subscribeResponseHandler) handleSubscribeResponse(payload []byte) {
	var resp imsg.SubscribeResponseMessage
	r := tlv.NewReader(bytes.NewReader(payload))
	if err := resp.Decode(r); err != nil {
		h.acceptOnce.Do(func() {
			h.acceptedCh <- subscribeAccept{err: err}
		})
		return
	}
	h.acceptOnce.Do(func() {
		h.acceptedCh <- subscribeAccept{subscriptionID: resp.SubscriptionID}
	})
}

func (h *subscribeResponseHandler) handleReportData(ctx *exchange.ExchangeContext, payload []byte) {
	resp, err := DecodeReportData(payload)
	if err != nil {
		return
	}

	select {
	case h.reports <- resp:
	default:
		// Slow consumer: drop the oldest queued report rather than block the
		// exchange's single-threaded message loop.
		select {
		case <-h.reports:
		default:
		}
		select {
		case h.reports <- resp:
		default:
		}
	}

	if !resp.SuppressResponse && ctx != nil {
		statusPayload, err := EncodeStatusResponse(imsg.StatusSuccess)
		if err == nil {
			_ = ctx.SendMessage(uint8(imsg.OpcodeStatusResponse), statusPayload, true)
		}
	}
}

func (h *subscribeResponseHandler) handleStatusResponse(payload []byte) {
	statusMsg, err := DecodeStatusResponse(payload)
	if err != nil {
		return
	}
	if statusMsg.Status != imsg.StatusSuccess {
		h.acceptOnce.Do(func() {
			h.acceptedCh <- subscribeAccept{err: errors.New("im: subscribe rejected: " + statusMsg.Status.String())}
		})
	}
}

// Reconnect policy constants for the client-side sustained subscription.
// Spec: Section 4.G.6 "Client-side sustained subscription"
const (
	ReconnectInitialInterval = 15 * time.Second
	ReconnectMaximumInterval = time.Hour
	ReconnectBackoffFactor   = 2.0
	ReconnectJitterFactor    = 0.25
)

// SustainedSubscription maintains a subscription across reconnects,
// re-attaching with exponential backoff whenever the active attach fails or
// times out. There is no overall timeout; it runs until Stop is called or
// its context is cancelled.
//
// The reference implementation this is modeled on has a `break` left over
// from a removed retry limit, making the loop's only correct exit the abort
// signal; this implementation exits solely on ctx.Done or Stop, with no
// vestigial break.
type SustainedSubscription struct {
	client     *Client
	session    *session.SecureContext
	peerAddr   transport.PeerAddress
	params     SubscribeParams

	// OnActive is called (with the new subscription ID) whenever a new
	// attach succeeds.
	OnActive func(subscriptionID imsg.SubscriptionID)
	// OnInactive is called whenever the active attach is lost.
	OnInactive func()
	// OnReport is called for every report delivered by the active attach,
	// including the initial priming read.
	OnReport func(*imsg.ReportDataMessage)

	random func() float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSustainedSubscription creates a reconnecting subscription. Call Start
// to begin attaching.
func NewSustainedSubscription(
	client *Client,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	params SubscribeParams,
) *SustainedSubscription {
	return &SustainedSubscription{
		client:   client,
		session:  sess,
		peerAddr: peerAddr,
		params:   params,
		random:   rand.Float64,
		done:     make(chan struct{}),
	}
}

// Start begins the reconnect loop in a background goroutine.
func (s *SustainedSubscription) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop aborts the reconnect loop and closes any active attach.
func (s *SustainedSubscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *SustainedSubscription) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := s.client.Subscribe(ctx, s.session, s.peerAddr, s.params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		if s.OnActive != nil {
			s.OnActive(sub.SubscriptionID)
		}

		s.drain(ctx, sub)

		if s.OnInactive != nil {
			s.OnInactive()
		}
		sub.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

// drain forwards reports until the attach's Done fires or ctx is cancelled.
func (s *SustainedSubscription) drain(ctx context.Context, sub *ClientSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case report, ok := <-sub.Reports:
			if !ok {
				return
			}
			if s.OnReport != nil {
				s.OnReport(report)
			}
		}
	}
}

// sleepBackoff waits the geometric reconnect interval for attempt, honoring
// ctx cancellation. Returns false if ctx was cancelled during the wait.
func (s *SustainedSubscription) sleepBackoff(ctx context.Context, attempt int) bool {
	interval := float64(ReconnectInitialInterval) * math.Pow(ReconnectBackoffFactor, float64(attempt))
	if interval > float64(ReconnectMaximumInterval) {
		interval = float64(ReconnectMaximumInterval)
	}
	interval *= 1.0 + s.random()*ReconnectJitterFactor

	timer := time.NewTimer(time.Duration(interval))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
