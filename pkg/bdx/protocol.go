// Package bdx implements the Bulk Data Exchange protocol: asynchronous
// chunked transfer of arbitrary byte streams (OTA images, diagnostic logs)
// over a Matter exchange, with either party driving the block cadence.
//
// Spec: Matter Core Specification, Bulk Data Exchange Protocol.
package bdx

import "github.com/fenwick-iot/matterhub/pkg/message"

// ProtocolID is the Bulk Data Exchange protocol identifier.
const ProtocolID = message.ProtocolBDX

// Opcode identifies a BDX message type.
type Opcode uint8

// BDX opcodes, Matter Core Spec Appendix F.
const (
	OpcodeSendInit           Opcode = 0x01
	OpcodeSendAccept         Opcode = 0x02
	OpcodeReceiveInit        Opcode = 0x03
	OpcodeReceiveAccept      Opcode = 0x04
	OpcodeBlockQuery         Opcode = 0x05
	OpcodeBlock              Opcode = 0x06
	OpcodeBlockEOF           Opcode = 0x07
	OpcodeBlockAck           Opcode = 0x08
	OpcodeBlockAckEOF        Opcode = 0x09
	OpcodeBlockQueryWithSkip Opcode = 0x0A

	// OpcodeStatusReport is the common cross-protocol StatusReport opcode,
	// reused here to carry BlockStatusReport (fatal transfer errors).
	OpcodeStatusReport Opcode = 0x40
)

// String returns the name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeSendInit:
		return "SendInit"
	case OpcodeSendAccept:
		return "SendAccept"
	case OpcodeReceiveInit:
		return "ReceiveInit"
	case OpcodeReceiveAccept:
		return "ReceiveAccept"
	case OpcodeBlockQuery:
		return "BlockQuery"
	case OpcodeBlock:
		return "Block"
	case OpcodeBlockEOF:
		return "BlockEOF"
	case OpcodeBlockAck:
		return "BlockAck"
	case OpcodeBlockAckEOF:
		return "BlockAckEOF"
	case OpcodeBlockQueryWithSkip:
		return "BlockQueryWithSkip"
	case OpcodeStatusReport:
		return "StatusReport"
	default:
		return "Unknown"
	}
}

// TransferControl flags carried in SendInit/ReceiveInit, negotiated down to
// exactly one driver in the Accept message. Spec names these "driven by
// Sender"/"driven by Receiver" and a separate async-mode bit; this
// implementation always operates in synchronous mode (no async reporting
// of progress); each exchange drives exactly one transfer at a time.
type TransferControl uint8

const (
	// ControlSenderDrive: the Sender proactively emits Block/BlockEOF
	// without being asked.
	ControlSenderDrive TransferControl = 1 << 0

	// ControlReceiverDrive: the Receiver paces the transfer by emitting
	// BlockQuery/BlockQueryWithSkip for each block it wants.
	ControlReceiverDrive TransferControl = 1 << 1

	// ControlAsync requests asynchronous mode. Not supported by this
	// implementation; SendAccept/ReceiveAccept never set it.
	ControlAsync TransferControl = 1 << 2
)

// Role is which side of the transfer this node plays.
type Role uint8

const (
	// RoleSender offers the file content (e.g. an OTA provider).
	RoleSender Role = iota
	// RoleReceiver consumes the file content (e.g. an OTA requestor).
	RoleReceiver
)

// Drive is who paces block delivery once a direction is agreed.
type Drive uint8

const (
	DriveSender Drive = iota
	DriveReceiver
)

// Flow names the four role x drive combinations from the spec.
type Flow uint8

const (
	// FlowDrivenSending: local node sends blocks, local node paces them.
	FlowDrivenSending Flow = iota
	// FlowDrivingReceiving: local node receives blocks, local node paces
	// them via BlockQuery (the receiver-drive example in the spec).
	FlowDrivingReceiving
	// FlowFollowingSending: local node sends blocks, the peer paces them
	// via BlockQuery.
	FlowFollowingSending
	// FlowFollowingReceiving: local node receives blocks, the peer paces
	// them unsolicited via Block/BlockEOF.
	FlowFollowingReceiving
)

func (f Flow) String() string {
	switch f {
	case FlowDrivenSending:
		return "DrivenSending"
	case FlowDrivingReceiving:
		return "DrivingReceiving"
	case FlowFollowingSending:
		return "FollowingSending"
	case FlowFollowingReceiving:
		return "FollowingReceiving"
	default:
		return "Unknown"
	}
}

// resolveFlow derives the four-way flow from this node's role and the
// negotiated drive direction.
func resolveFlow(role Role, drive Drive) Flow {
	switch {
	case role == RoleSender && drive == DriveSender:
		return FlowDrivenSending
	case role == RoleReceiver && drive == DriveReceiver:
		return FlowDrivingReceiving
	case role == RoleSender && drive == DriveReceiver:
		return FlowFollowingSending
	default:
		return FlowFollowingReceiving
	}
}
