package commissioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/crypto"
	"github.com/fenwick-iot/matterhub/pkg/exchange"
	"github.com/fenwick-iot/matterhub/pkg/fabric"
	"github.com/fenwick-iot/matterhub/pkg/message"
	"github.com/fenwick-iot/matterhub/pkg/securechannel"
	"github.com/fenwick-iot/matterhub/pkg/session"
	"github.com/fenwick-iot/matterhub/pkg/transport"
	"github.com/pion/logging"
)

// CASE protocol errors.
var (
	ErrCASETimeout  = errors.New("case: handshake timeout")
	ErrCASEProtocol = errors.New("case: protocol error")
	ErrCASECanceled = errors.New("case: handshake canceled")
)

// DefaultCASETimeout is the default timeout for CASE establishment.
const DefaultCASETimeout = 30 * time.Second

// CASEClient establishes a CASE session as the initiator, once a device has
// joined a fabric and is reachable over the operational network. It mirrors
// PASEClient's exchange-driven handshake loop but drives the Sigma1/Sigma2/
// Sigma3 message sequence instead of PBKDFParamRequest/Pake1-3.
type CASEClient struct {
	exchangeManager *exchange.Manager
	secureChannel   *securechannel.Manager
	sessionManager  *session.Manager
	timeout         time.Duration
	log             logging.LeveledLogger
}

// CASEClientConfig configures the CASEClient.
type CASEClientConfig struct {
	ExchangeManager *exchange.Manager
	SecureChannel   *securechannel.Manager
	SessionManager  *session.Manager
	Timeout         time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewCASEClient creates a new CASE client.
func NewCASEClient(config CASEClientConfig) *CASEClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultCASETimeout
	}

	c := &CASEClient{
		exchangeManager: config.ExchangeManager,
		secureChannel:   config.SecureChannel,
		sessionManager:  config.SessionManager,
		timeout:         timeout,
	}

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("case")
	}

	return c
}

// Establish performs the CASE handshake with the device at peerAddr and
// returns the established secure session.
//
// Parameters:
//   - fabricInfo: the commissioner's own fabric credentials (NOC chain, IPK)
//   - operationalKey: the commissioner's operational NOC private key
//   - targetNodeID: the node ID of the device being connected to
func (c *CASEClient) Establish(
	ctx context.Context,
	peerAddr transport.PeerAddress,
	fabricInfo *fabric.FabricInfo,
	operationalKey *crypto.P256KeyPair,
	targetNodeID uint64,
) (*session.SecureContext, error) {
	if c.log != nil {
		c.log.Infof("starting CASE with %s for node 0x%016X", peerAddr.Addr, targetNodeID)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	unsecuredSess, err := session.NewUnsecuredContext(session.SessionRoleInitiator)
	if err != nil {
		return nil, err
	}

	handler := newCASEHandler(c.secureChannel)

	exch, err := c.exchangeManager.NewExchange(
		unsecuredSess,
		0, // Session ID 0 for unsecured
		peerAddr,
		message.ProtocolSecureChannel,
		handler,
	)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	exchangeID := exch.ID

	// Step 1: Start CASE - get Sigma1
	sigma1, err := c.secureChannel.StartCASE(exchangeID, fabricInfo, operationalKey, targetNodeID, nil)
	if err != nil {
		return nil, err
	}

	if err := exch.SendMessage(uint8(securechannel.OpcodeCASESigma1), sigma1, true); err != nil {
		return nil, err
	}

	// Step 2: Wait for Sigma2 to be routed, get Sigma3 to send back
	sigma3Msg, err := handler.waitForNextMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("case step 2 wait: %w", err)
	}
	if sigma3Msg == nil {
		return nil, fmt.Errorf("case step 2: sigma3 message is nil")
	}

	if err := exch.SendMessage(uint8(sigma3Msg.Opcode), sigma3Msg.Payload, true); err != nil {
		return nil, fmt.Errorf("case step 2 send: %w", err)
	}

	// Step 3: Wait for StatusReport (session complete)
	if _, err := handler.waitForNextMessage(ctx); err != nil {
		return nil, err
	}

	var secureCtx *session.SecureContext
	c.sessionManager.ForEachSecureSession(func(sess *session.SecureContext) bool {
		if sess.SessionType() == session.SessionTypeCASE && sess.PeerNodeID() == fabric.NodeID(targetNodeID) {
			secureCtx = sess
			return false
		}
		return true
	})

	if secureCtx == nil {
		return nil, ErrCASEProtocol
	}

	return secureCtx, nil
}

// caseHandler handles CASE response messages, structured identically to
// paseHandler (pase.go) but for the Sigma1/Sigma2/Sigma3 opcode set.
type caseHandler struct {
	secureChannel *securechannel.Manager
	exchangeID    uint16

	msgCh chan caseResult

	mu   sync.Mutex
	done bool
}

type caseResult struct {
	nextMsg *securechannel.Message
	err     error
}

func newCASEHandler(secureChannel *securechannel.Manager) *caseHandler {
	return &caseHandler{
		secureChannel: secureChannel,
		msgCh:         make(chan caseResult, 1),
	}
}

// OnMessage implements exchange.ExchangeDelegate.
func (h *caseHandler) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil, nil
	}
	h.exchangeID = ctx.ID
	h.mu.Unlock()

	opcode := securechannel.Opcode(header.ProtocolOpcode)

	if opcode == securechannel.OpcodeStandaloneAck ||
		opcode == securechannel.OpcodeMsgCounterSyncReq ||
		opcode == securechannel.OpcodeMsgCounterSyncResp {
		return nil, nil
	}

	msg := &securechannel.Message{
		Opcode:  opcode,
		Payload: payload,
	}
	nextMsg, err := h.secureChannel.Route(ctx.ID, msg)
	if err != nil {
		h.sendResult(caseResult{err: err})
		return nil, err
	}

	if opcode == securechannel.OpcodeStatusReport {
		status, err := securechannel.DecodeStatusReport(payload)
		if err != nil {
			h.sendResult(caseResult{err: err})
			return nil, err
		}

		if !status.IsSuccess() {
			h.sendResult(caseResult{err: ErrCASEProtocol})
			return nil, ErrCASEProtocol
		}

		h.mu.Lock()
		h.done = true
		h.mu.Unlock()

		h.sendResult(caseResult{nextMsg: nil})
		return nil, nil
	}

	h.sendResult(caseResult{nextMsg: nextMsg})
	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (h *caseHandler) OnClose(ctx *exchange.ExchangeContext) {
	h.sendResult(caseResult{err: ErrCASECanceled})
}

func (h *caseHandler) sendResult(result caseResult) {
	select {
	case h.msgCh <- result:
	default:
	}
}

func (h *caseHandler) waitForNextMessage(ctx context.Context) (*securechannel.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ErrCASETimeout
	case result := <-h.msgCh:
		if result.err != nil {
			return nil, result.err
		}
		return result.nextMsg, nil
	}
}
