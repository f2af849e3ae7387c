package bdx

import (
	"context"
	"errors"
	"io"

	"github.com/fenwick-iot/matterhub/pkg/exchange"
	"github.com/fenwick-iot/matterhub/pkg/securechannel"
	"github.com/fenwick-iot/matterhub/pkg/session"
	"github.com/fenwick-iot/matterhub/pkg/transport"
	"github.com/pion/logging"
)

// Handler resolves the peer's file designator to a local data source or
// sink for the responder side of a transfer (e.g. an OTA provider's image
// store, or a log-upload staging area).
type Handler interface {
	// Offer is called when a peer asks to receive a file (it sent
	// ReceiveInit). It returns the content to send and its length, or
	// false if no such file is known.
	Offer(designator string) (data io.Reader, length int64, ok bool)

	// Accept is called when a peer offers to send a file (it sent
	// SendInit). It returns a sink to write the incoming content to, or
	// false to reject the transfer.
	Accept(designator string, length int64, hasLength bool) (sink io.Writer, ok bool)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ExchangeManager *exchange.Manager
	Handler         Handler
	MaxBlockSize    uint16
	LoggerFactory   logging.LoggerFactory
}

// Manager initiates and accepts BDX transfers. One Manager per node; it
// registers itself as the exchange layer's protocol handler for
// unsolicited SendInit/ReceiveInit, and drives locally-initiated transfers
// directly via exchange.Manager.NewExchange.
type Manager struct {
	config ManagerConfig
	log    logging.LeveledLogger
}

// NewManager creates a BDX Manager and registers it with the exchange
// manager for incoming transfers.
func NewManager(config ManagerConfig) *Manager {
	if config.MaxBlockSize == 0 {
		config.MaxBlockSize = DefaultMaxBlockSize
	}
	m := &Manager{config: config}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("bdx")
	}
	if config.ExchangeManager != nil {
		config.ExchangeManager.RegisterProtocol(ProtocolID, (*protocolAdapter)(m))
	}
	return m
}

// OfferSend initiates a SenderDrive-or-ReceiverDrive-negotiated transfer in
// which the local node sends file content to the peer (FlowDrivenSending or
// FlowFollowingSending depending on what the peer accepts).
func (m *Manager) OfferSend(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	designator string,
	data io.Reader,
	length int64,
	hasLength bool,
) (*Transfer, error) {
	t := newTransfer(nil, RoleSender, DriveSender, m.config.MaxBlockSize, m.log)
	t.reader = data

	exch, err := m.config.ExchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, t)
	if err != nil {
		return nil, err
	}
	t.exch = exch

	init := &TransferInitMessage{
		TransferControl: ControlSenderDrive | ControlReceiverDrive,
		MaxBlockSize:    m.config.MaxBlockSize,
		FileDesignator:  []byte(designator),
	}
	if hasLength {
		init.RangeControl = RangeControlDefiniteLength
		init.MaxLength = uint64(length)
	}
	payload, err := encodeMessage(init)
	if err != nil {
		exch.Close()
		return nil, err
	}
	if err := exch.SendMessage(uint8(OpcodeSendInit), payload, true); err != nil {
		exch.Close()
		return nil, err
	}

	reply, err := t.awaitReply(ctx)
	if err != nil {
		exch.Close()
		return nil, err
	}
	if serr := statusErrorFrom(reply); serr != nil {
		exch.Close()
		return nil, serr
	}
	if reply.opcode != OpcodeSendAccept {
		exch.Close()
		return nil, ErrTransferRejected
	}
	var accept TransferAcceptMessage
	if err := decodeInto(reply.payload, &accept); err != nil {
		exch.Close()
		return nil, err
	}

	return m.startNegotiated(ctx, t, accept)
}

// RequestReceive initiates a transfer in which the local node pulls file
// content from the peer (FlowDrivingReceiving or FlowFollowingReceiving).
func (m *Manager) RequestReceive(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	designator string,
	out io.Writer,
) (*Transfer, error) {
	t := newTransfer(nil, RoleReceiver, DriveReceiver, m.config.MaxBlockSize, m.log)
	t.writer = out

	exch, err := m.config.ExchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, t)
	if err != nil {
		return nil, err
	}
	t.exch = exch

	init := &TransferInitMessage{
		TransferControl: ControlSenderDrive | ControlReceiverDrive,
		MaxBlockSize:    m.config.MaxBlockSize,
		FileDesignator:  []byte(designator),
	}
	payload, err := encodeMessage(init)
	if err != nil {
		exch.Close()
		return nil, err
	}
	if err := exch.SendMessage(uint8(OpcodeReceiveInit), payload, true); err != nil {
		exch.Close()
		return nil, err
	}

	reply, err := t.awaitReply(ctx)
	if err != nil {
		exch.Close()
		return nil, err
	}
	if serr := statusErrorFrom(reply); serr != nil {
		exch.Close()
		return nil, serr
	}
	if reply.opcode != OpcodeReceiveAccept {
		exch.Close()
		return nil, ErrTransferRejected
	}
	var accept TransferAcceptMessage
	if err := decodeInto(reply.payload, &accept); err != nil {
		exch.Close()
		return nil, err
	}

	return m.startNegotiated(ctx, t, accept)
}

// startNegotiated finalizes drive direction from the peer's Accept message
// and, if the local node is the driver, starts its pump goroutine.
func (m *Manager) startNegotiated(ctx context.Context, t *Transfer, accept TransferAcceptMessage) (*Transfer, error) {
	switch accept.TransferControl {
	case ControlSenderDrive:
		t.drive = DriveSender
	case ControlReceiverDrive:
		t.drive = DriveReceiver
	default:
		t.exch.Close()
		return nil, ErrNoCommonDrive
	}
	t.flow = resolveFlow(t.role, t.drive)
	if accept.MaxBlockSize != 0 && accept.MaxBlockSize < t.maxBlockSize {
		t.maxBlockSize = accept.MaxBlockSize
	}

	t.mu.Lock()
	t.state = StateActive
	t.mu.Unlock()

	if t.isDriving() {
		t.runDriver(ctx)
	}
	return t, nil
}

// protocolAdapter adapts Manager to exchange.ProtocolHandler for the
// responder side: accepting unsolicited SendInit/ReceiveInit.
type protocolAdapter Manager

func (a *protocolAdapter) mgr() *Manager { return (*Manager)(a) }

// OnMessage implements exchange.ProtocolHandler for messages on an exchange
// whose delegate has not yet been swapped to a Transfer. In steady state
// this never fires: OnUnsolicited always calls ctx.SetDelegate before the
// peer's next message can arrive.
func (a *protocolAdapter) OnMessage(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	return nil, errors.New("bdx: message on exchange with no attached transfer")
}

// OnUnsolicited implements exchange.ProtocolHandler: handles a peer's
// SendInit (peer wants to send us a file) or ReceiveInit (peer wants to
// pull a file from us).
func (a *protocolAdapter) OnUnsolicited(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	m := a.mgr()

	var init TransferInitMessage
	if err := decodeInto(payload, &init); err != nil {
		return nil, err
	}
	designator := string(init.FileDesignator)
	hasLength := init.RangeControl&RangeControlDefiniteLength != 0

	switch Opcode(opcode) {
	case OpcodeSendInit:
		if m.config.Handler == nil {
			rejectTransfer(ctx, ErrTransferRejected)
			return nil, nil
		}
		var length int64
		if hasLength {
			length = int64(init.MaxLength)
		}
		sink, ok := m.config.Handler.Accept(designator, length, hasLength)
		if !ok {
			rejectTransfer(ctx, ErrTransferRejected)
			return nil, nil
		}

		drive, hasDrive := chooseDrive(init.TransferControl)
		if !hasDrive {
			rejectTransfer(ctx, ErrNoCommonDrive)
			return nil, nil
		}
		blockSize := negotiateBlockSize(m.config.MaxBlockSize, init.MaxBlockSize)

		t := newTransfer(ctx, RoleReceiver, drive, blockSize, m.log)
		t.writer = sink

		accept := &TransferAcceptMessage{TransferControl: controlBit(drive), MaxBlockSize: blockSize}
		out, err := encodeMessage(accept)
		if err != nil {
			return nil, err
		}
		if err := ctx.SendMessage(uint8(OpcodeSendAccept), out, true); err != nil {
			return nil, err
		}

		ctx.SetDelegate(t)
		t.mu.Lock()
		t.state = StateActive
		t.mu.Unlock()
		if t.isDriving() {
			t.runDriver(context.Background())
		}
		return nil, nil

	case OpcodeReceiveInit:
		if m.config.Handler == nil {
			rejectTransfer(ctx, ErrTransferRejected)
			return nil, nil
		}
		data, length, ok := m.config.Handler.Offer(designator)
		if !ok {
			rejectTransfer(ctx, ErrTransferRejected)
			return nil, nil
		}

		drive, hasDrive := chooseDrive(init.TransferControl)
		if !hasDrive {
			rejectTransfer(ctx, ErrNoCommonDrive)
			return nil, nil
		}
		blockSize := negotiateBlockSize(m.config.MaxBlockSize, init.MaxBlockSize)

		t := newTransfer(ctx, RoleSender, drive, blockSize, m.log)
		t.reader = data

		accept := &TransferAcceptMessage{
			TransferControl: controlBit(drive),
			MaxBlockSize:    blockSize,
			Length:          uint64(length),
		}
		out, err := encodeMessage(accept)
		if err != nil {
			return nil, err
		}
		if err := ctx.SendMessage(uint8(OpcodeReceiveAccept), out, true); err != nil {
			return nil, err
		}

		ctx.SetDelegate(t)
		t.mu.Lock()
		t.state = StateActive
		t.mu.Unlock()
		if t.isDriving() {
			t.runDriver(context.Background())
		}
		return nil, nil

	default:
		return nil, errors.New("bdx: unexpected opcode starting a transfer")
	}
}

// rejectTransfer notifies the peer that their SendInit/ReceiveInit was
// declined, so an initiator blocked in awaitReply fails immediately instead
// of waiting out the full response timeout.
func rejectTransfer(ctx *exchange.ExchangeContext, cause error) {
	sr := securechannel.NewStatusReport(securechannel.GeneralCodeFailure, uint32(ProtocolID), statusCodeFor(cause))
	_ = ctx.SendMessage(uint8(OpcodeStatusReport), sr.Encode(), true)
}

// chooseDrive picks a drive direction from the offered control bits,
// preferring ReceiverDrive: it lets the local node pace ingestion of file
// content it is receiving, matching the receiver-drive example this module
// is grounded on. The bool result is false if the peer offered neither bit;
// DriveSender and DriveReceiver are both valid zero-based enum values, so a
// plain Drive return cannot double as its own "no match" sentinel.
func chooseDrive(offered TransferControl) (Drive, bool) {
	if offered&ControlReceiverDrive != 0 {
		return DriveReceiver, true
	}
	if offered&ControlSenderDrive != 0 {
		return DriveSender, true
	}
	return 0, false
}

func controlBit(d Drive) TransferControl {
	if d == DriveReceiver {
		return ControlReceiverDrive
	}
	return ControlSenderDrive
}

func negotiateBlockSize(local, peer uint16) uint16 {
	if peer != 0 && peer < local {
		return peer
	}
	return local
}
