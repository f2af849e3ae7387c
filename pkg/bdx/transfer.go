package bdx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/exchange"
	"github.com/fenwick-iot/matterhub/pkg/message"
	"github.com/fenwick-iot/matterhub/pkg/securechannel"
	"github.com/fenwick-iot/matterhub/pkg/tlv"
	"github.com/pion/logging"
)

// DefaultMaxBlockSize is offered when a caller does not specify one.
const DefaultMaxBlockSize uint16 = 1024

// ResponseTimeout bounds how long the driving side of a transfer waits for
// a reply to a BlockQuery or Block before failing the transfer.
const ResponseTimeout = 30 * time.Second

// Transfer errors.
var (
	ErrUnexpectedBlockCounter = errors.New("bdx: unexpected block counter")
	ErrNoCommonDrive          = errors.New("bdx: sender and receiver offered no common drive direction")
	ErrTransferRejected       = errors.New("bdx: peer rejected the transfer")
	ErrTransferClosed         = errors.New("bdx: transfer closed")
	ErrUnexpectedOpcode       = errors.New("bdx: unexpected opcode for transfer state")
)

// State is a transfer's lifecycle.
type State uint8

const (
	StateNegotiating State = iota
	StateActive
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "Negotiating"
	case StateActive:
		return "Active"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// inboundMessage is a decoded BDX message handed from OnMessage to whichever
// goroutine is waiting on it (the driver loop, or the handshake waiter).
type inboundMessage struct {
	opcode  Opcode
	payload []byte
}

// Transfer is one BDX file transfer bound to a single exchange. It
// implements exchange.ExchangeDelegate so it can be attached directly to an
// ExchangeContext, either as the initiator's delegate or via SetDelegate
// once a responder-side handshake completes.
//
// Spec: Section 4.J "BDX"
type Transfer struct {
	exch *exchange.ExchangeContext
	log  logging.LeveledLogger

	role         Role
	drive        Drive
	flow         Flow
	maxBlockSize uint16

	reader io.Reader // valid when role == RoleSender
	writer io.Writer // valid when role == RoleReceiver

	mu          sync.Mutex
	state       State
	err         error
	lastCounter uint32 // last block counter accepted on the follower side

	inbox     chan inboundMessage
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newTransfer(exch *exchange.ExchangeContext, role Role, drive Drive, maxBlockSize uint16, log logging.LeveledLogger) *Transfer {
	return &Transfer{
		exch:         exch,
		log:          log,
		role:         role,
		drive:        drive,
		flow:         resolveFlow(role, drive),
		maxBlockSize: maxBlockSize,
		state:        StateNegotiating,
		inbox:        make(chan inboundMessage, 1),
		doneCh:       make(chan struct{}),
	}
}

// Flow reports which of the four role x drive combinations this transfer is
// running.
func (t *Transfer) Flow() Flow {
	return t.flow
}

// Done is closed once the transfer reaches StateComplete or StateFailed.
func (t *Transfer) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns the terminal error, if the transfer failed. nil on success or
// while still running.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// isDriving reports whether the local node paces the block exchange, i.e.
// whether replies should be routed to the driver loop's inbox rather than
// answered synchronously in OnMessage.
func (t *Transfer) isDriving() bool {
	return (t.role == RoleSender && t.drive == DriveSender) ||
		(t.role == RoleReceiver && t.drive == DriveReceiver)
}

func (t *Transfer) complete() {
	t.mu.Lock()
	if t.state == StateComplete || t.state == StateFailed {
		t.mu.Unlock()
		return
	}
	t.state = StateComplete
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.doneCh) })
	if t.exch != nil {
		_ = t.exch.Close()
	}
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	if t.state == StateComplete || t.state == StateFailed {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.doneCh) })
	if t.log != nil {
		t.log.Warnf("bdx: transfer %s failed: %v", t.flow, err)
	}
	if t.exch != nil {
		_ = t.exch.Close()
	}
}

// OnMessage implements exchange.ExchangeDelegate. Handshake replies on an
// initiator exchange and driver-loop replies are routed to t.inbox;
// follower-side requests are answered synchronously and return (nil, nil),
// matching the rest of this module's "send directly, return nil" style.
func (t *Transfer) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	opcode := Opcode(header.ProtocolOpcode)

	// While negotiating or driving, something is always waiting on t.inbox
	// (the handshake or the driver loop) so a StatusReport routes there too
	// and is converted to an error at the point that's actually awaiting a
	// reply, instead of being swallowed here.
	if t.State() == StateNegotiating || t.isDriving() {
		select {
		case t.inbox <- inboundMessage{opcode: opcode, payload: payload}:
		default:
			// A previous reply is still unconsumed; the peer violated the
			// one-in-flight-block invariant. Treat as a protocol failure.
			t.fail(ErrUnexpectedOpcode)
		}
		return nil, nil
	}

	if opcode == OpcodeStatusReport {
		sr, err := securechannel.DecodeStatusReport(payload)
		if err != nil {
			t.fail(err)
			return nil, nil
		}
		t.fail(sr)
		return nil, nil
	}

	return t.handleFollowerMessage(opcode, payload)
}

// statusErrorFrom converts an inbound StatusReport reply into an error, for
// callers that block on awaitReply during the handshake or the driver loop.
func statusErrorFrom(reply inboundMessage) error {
	if reply.opcode != OpcodeStatusReport {
		return nil
	}
	if sr, err := securechannel.DecodeStatusReport(reply.payload); err == nil {
		return sr
	}
	return ErrTransferRejected
}

// OnClose implements exchange.ExchangeDelegate.
func (t *Transfer) OnClose(ctx *exchange.ExchangeContext) {
	t.fail(ErrTransferClosed)
}

// awaitReply blocks for the next inbound message or timeout/cancellation.
func (t *Transfer) awaitReply(ctx context.Context) (inboundMessage, error) {
	select {
	case m := <-t.inbox:
		return m, nil
	case <-ctx.Done():
		return inboundMessage{}, ctx.Err()
	case <-time.After(ResponseTimeout):
		return inboundMessage{}, context.DeadlineExceeded
	}
}

// runDriver starts the goroutine that paces the block exchange for
// DrivenSending (local sends blocks) or DrivingReceiving (local queries
// blocks). Called once, immediately after a successful accept.
func (t *Transfer) runDriver(ctx context.Context) {
	go func() {
		var err error
		switch t.flow {
		case FlowDrivenSending:
			err = t.runDrivenSending(ctx)
		case FlowDrivingReceiving:
			err = t.runDrivingReceiving(ctx)
		default:
			return
		}
		if err != nil {
			t.fail(err)
			return
		}
		t.complete()
	}()
}

func (t *Transfer) runDrivenSending(ctx context.Context) error {
	buf := make([]byte, t.maxBlockSize)
	var counter uint32
	for {
		n, readErr := io.ReadFull(t.reader, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return readErr
		}
		eof := readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n < len(buf)
		counter++

		block := &BlockMessage{BlockCounter: counter, Data: append([]byte(nil), buf[:n]...)}
		payload, err := encodeMessage(block)
		if err != nil {
			return err
		}

		opcode := OpcodeBlock
		if eof {
			opcode = OpcodeBlockEOF
		}
		if err := t.exch.SendMessage(uint8(opcode), payload, true); err != nil {
			return err
		}

		reply, err := t.awaitReply(ctx)
		if err != nil {
			return err
		}
		if serr := statusErrorFrom(reply); serr != nil {
			return serr
		}
		ack, err := decodeCounterMessage(reply.payload)
		if err != nil {
			return err
		}
		if ack.BlockCounter != counter {
			return ErrUnexpectedBlockCounter
		}
		if eof {
			if reply.opcode != OpcodeBlockAckEOF {
				return ErrUnexpectedOpcode
			}
			return nil
		}
		if reply.opcode != OpcodeBlockAck {
			return ErrUnexpectedOpcode
		}
	}
}

func (t *Transfer) runDrivingReceiving(ctx context.Context) error {
	var counter uint32
	for {
		counter++
		query := &CounterMessage{BlockCounter: counter}
		payload, err := encodeMessage(query)
		if err != nil {
			return err
		}
		if err := t.exch.SendMessage(uint8(OpcodeBlockQuery), payload, true); err != nil {
			return err
		}

		reply, err := t.awaitReply(ctx)
		if err != nil {
			return err
		}
		if serr := statusErrorFrom(reply); serr != nil {
			return serr
		}
		if reply.opcode != OpcodeBlock && reply.opcode != OpcodeBlockEOF {
			return ErrUnexpectedOpcode
		}
		block, err := decodeBlockMessage(reply.payload)
		if err != nil {
			return err
		}
		if block.BlockCounter != counter {
			return ErrUnexpectedBlockCounter
		}
		if len(block.Data) > 0 {
			if _, err := t.writer.Write(block.Data); err != nil {
				return err
			}
		}
		if reply.opcode == OpcodeBlockEOF {
			ack := &CounterMessage{BlockCounter: counter}
			ackPayload, err := encodeMessage(ack)
			if err != nil {
				return err
			}
			return t.exch.SendMessage(uint8(OpcodeBlockAckEOF), ackPayload, true)
		}
	}
}

// handleFollowerMessage answers the peer-driven side of the transfer
// synchronously: FollowingSending replies to BlockQuery with Block/BlockEOF;
// FollowingReceiving replies to Block/BlockEOF with BlockAck/BlockAckEOF.
func (t *Transfer) handleFollowerMessage(opcode Opcode, payload []byte) ([]byte, error) {
	switch t.flow {
	case FlowFollowingSending:
		return t.handleBlockQuery(opcode, payload)
	case FlowFollowingReceiving:
		return t.handleBlock(opcode, payload)
	default:
		return nil, ErrUnexpectedOpcode
	}
}

func (t *Transfer) handleBlockQuery(opcode Opcode, payload []byte) ([]byte, error) {
	var counter uint32
	switch opcode {
	case OpcodeBlockQuery:
		m, err := decodeCounterMessage(payload)
		if err != nil {
			t.fail(err)
			return nil, nil
		}
		counter = m.BlockCounter
	case OpcodeBlockQueryWithSkip:
		var m BlockQueryWithSkipMessage
		if err := decodeInto(payload, &m); err != nil {
			t.fail(err)
			return nil, nil
		}
		counter = m.BlockCounter
	case OpcodeBlockAckEOF:
		ack, err := decodeCounterMessage(payload)
		if err != nil {
			t.fail(err)
			return nil, nil
		}
		_ = ack
		t.complete()
		return nil, nil
	default:
		t.fail(ErrUnexpectedOpcode)
		return nil, nil
	}

	t.mu.Lock()
	expected := t.lastCounterLocked() + 1
	t.mu.Unlock()
	if counter != expected {
		t.sendFatal(ErrUnexpectedBlockCounter)
		return nil, nil
	}

	buf := make([]byte, t.maxBlockSize)
	n, readErr := io.ReadFull(t.reader, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		t.fail(readErr)
		return nil, nil
	}
	eof := readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n < len(buf)

	t.mu.Lock()
	t.lastCounter = counter
	t.mu.Unlock()

	block := &BlockMessage{BlockCounter: counter, Data: append([]byte(nil), buf[:n]...)}
	out, err := encodeMessage(block)
	if err != nil {
		t.fail(err)
		return nil, nil
	}
	replyOpcode := OpcodeBlock
	if eof {
		replyOpcode = OpcodeBlockEOF
	}
	if err := t.exch.SendMessage(uint8(replyOpcode), out, true); err != nil {
		t.fail(err)
	}
	return nil, nil
}

func (t *Transfer) handleBlock(opcode Opcode, payload []byte) ([]byte, error) {
	if opcode != OpcodeBlock && opcode != OpcodeBlockEOF {
		t.fail(ErrUnexpectedOpcode)
		return nil, nil
	}
	block, err := decodeBlockMessage(payload)
	if err != nil {
		t.fail(err)
		return nil, nil
	}

	t.mu.Lock()
	expected := t.lastCounterLocked() + 1
	t.mu.Unlock()
	if block.BlockCounter != expected {
		t.sendFatal(ErrUnexpectedBlockCounter)
		return nil, nil
	}

	if len(block.Data) > 0 {
		if _, err := t.writer.Write(block.Data); err != nil {
			t.fail(err)
			return nil, nil
		}
	}

	t.mu.Lock()
	t.lastCounter = block.BlockCounter
	t.mu.Unlock()

	ack := &CounterMessage{BlockCounter: block.BlockCounter}
	out, err := encodeMessage(ack)
	if err != nil {
		t.fail(err)
		return nil, nil
	}
	ackOpcode := OpcodeBlockAck
	if opcode == OpcodeBlockEOF {
		ackOpcode = OpcodeBlockAckEOF
	}
	if err := t.exch.SendMessage(uint8(ackOpcode), out, true); err != nil {
		t.fail(err)
		return nil, nil
	}
	if opcode == OpcodeBlockEOF {
		t.complete()
	}
	return nil, nil
}

func (t *Transfer) lastCounterLocked() uint32 {
	return t.lastCounter
}

// sendFatal reports a fatal BDX status and fails the transfer locally.
func (t *Transfer) sendFatal(cause error) {
	sr := securechannel.NewStatusReport(securechannel.GeneralCodeFailure, uint32(ProtocolID), uint16(statusCodeFor(cause)))
	if t.exch != nil {
		_ = t.exch.SendMessage(uint8(OpcodeStatusReport), sr.Encode(), true)
	}
	t.fail(cause)
}

func statusCodeFor(err error) uint16 {
	if errors.Is(err, ErrUnexpectedBlockCounter) {
		return 0x0B // UnexpectedBlockCounter, Matter Core Spec Appendix F status codes.
	}
	return 0x01 // generic transfer failure
}

func encodeMessage(m interface{ Encode(*tlv.Writer) error }) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := m.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInto(payload []byte, m interface{ Decode(*tlv.Reader) error }) error {
	r := tlv.NewReader(bytes.NewReader(payload))
	return m.Decode(r)
}

func decodeCounterMessage(payload []byte) (*CounterMessage, error) {
	var m CounterMessage
	if err := decodeInto(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeBlockMessage(payload []byte) (*BlockMessage, error) {
	var m BlockMessage
	if err := decodeInto(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
