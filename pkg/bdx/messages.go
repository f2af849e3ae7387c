package bdx

import (
	"errors"
	"io"

	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

// Errors surfaced while decoding malformed BDX messages.
var (
	ErrInvalidType  = errors.New("bdx: invalid TLV type")
	ErrMissingField = errors.New("bdx: missing required field")
)

// TransferInitMessage is the common body of SendInit and ReceiveInit.
// Spec: Bulk Data Exchange Protocol, "Transfer Init Message Format".
type TransferInitMessage struct {
	TransferControl TransferControl // Tag 0
	RangeControl    uint8           // Tag 1: bit 0 set = definite length known
	MaxBlockSize    uint16          // Tag 2
	StartOffset     uint64          // Tag 3, present iff RangeControl indicates range support
	MaxLength       uint64          // Tag 4, present iff RangeControl indicates definite length
	FileDesignator  []byte          // Tag 5
}

const (
	tiTagTransferControl = 0
	tiTagRangeControl    = 1
	tiTagMaxBlockSize    = 2
	tiTagStartOffset     = 3
	tiTagMaxLength       = 4
	tiTagFileDesignator  = 5
)

const (
	// RangeControlDefiniteLength indicates MaxLength is present and final.
	RangeControlDefiniteLength uint8 = 1 << 0
	// RangeControlStartOffset indicates StartOffset is present (resumed transfer).
	RangeControlStartOffset uint8 = 1 << 1
)

func (m *TransferInitMessage) Encode(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tiTagTransferControl), uint64(m.TransferControl)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tiTagRangeControl), uint64(m.RangeControl)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tiTagMaxBlockSize), uint64(m.MaxBlockSize)); err != nil {
		return err
	}
	if m.RangeControl&RangeControlStartOffset != 0 {
		if err := w.PutUint(tlv.ContextTag(tiTagStartOffset), m.StartOffset); err != nil {
			return err
		}
	}
	if m.RangeControl&RangeControlDefiniteLength != 0 {
		if err := w.PutUint(tlv.ContextTag(tiTagMaxLength), m.MaxLength); err != nil {
			return err
		}
	}
	if err := w.PutBytes(tlv.ContextTag(tiTagFileDesignator), m.FileDesignator); err != nil {
		return err
	}
	return w.EndContainer()
}

func (m *TransferInitMessage) Decode(r *tlv.Reader) error {
	if err := decodeStructHeader(r); err != nil {
		return err
	}

	var hasControl, hasRange, hasBlockSize bool
	for {
		done, err := nextField(r)
		if err != nil {
			return err
		}
		if done {
			break
		}
		switch r.Tag().TagNumber() {
		case tiTagTransferControl:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.TransferControl = TransferControl(v)
			hasControl = true
		case tiTagRangeControl:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.RangeControl = uint8(v)
			hasRange = true
		case tiTagMaxBlockSize:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.MaxBlockSize = uint16(v)
			hasBlockSize = true
		case tiTagStartOffset:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.StartOffset = v
		case tiTagMaxLength:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.MaxLength = v
		case tiTagFileDesignator:
			v, err := r.Bytes()
			if err != nil {
				return err
			}
			m.FileDesignator = v
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	if !hasControl || !hasRange || !hasBlockSize {
		return ErrMissingField
	}
	return nil
}

// TransferAcceptMessage is the common body of SendAccept and ReceiveAccept.
type TransferAcceptMessage struct {
	TransferControl TransferControl // Tag 0: the single driver bit the acceptor chose
	MaxBlockSize    uint16          // Tag 1
	StartOffset     uint64          // Tag 2, echoed only for resumed transfers
	Length          uint64          // Tag 3, echoed only when definite length was offered
}

const (
	taTagTransferControl = 0
	taTagMaxBlockSize    = 1
	taTagStartOffset     = 2
	taTagLength          = 3
)

func (m *TransferAcceptMessage) Encode(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(taTagTransferControl), uint64(m.TransferControl)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(taTagMaxBlockSize), uint64(m.MaxBlockSize)); err != nil {
		return err
	}
	if m.StartOffset != 0 {
		if err := w.PutUint(tlv.ContextTag(taTagStartOffset), m.StartOffset); err != nil {
			return err
		}
	}
	if m.Length != 0 {
		if err := w.PutUint(tlv.ContextTag(taTagLength), m.Length); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

func (m *TransferAcceptMessage) Decode(r *tlv.Reader) error {
	if err := decodeStructHeader(r); err != nil {
		return err
	}
	var hasControl, hasBlockSize bool
	for {
		done, err := nextField(r)
		if err != nil {
			return err
		}
		if done {
			break
		}
		switch r.Tag().TagNumber() {
		case taTagTransferControl:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.TransferControl = TransferControl(v)
			hasControl = true
		case taTagMaxBlockSize:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.MaxBlockSize = uint16(v)
			hasBlockSize = true
		case taTagStartOffset:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.StartOffset = v
		case taTagLength:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.Length = v
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	if !hasControl || !hasBlockSize {
		return ErrMissingField
	}
	return nil
}

// CounterMessage is the shared shape of BlockQuery, BlockAck and
// BlockAckEOF: they all carry just the block counter they acknowledge or
// request next.
type CounterMessage struct {
	BlockCounter uint32 // Tag 0
}

const counterTagBlockCounter = 0

func (m *CounterMessage) Encode(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(counterTagBlockCounter), uint64(m.BlockCounter)); err != nil {
		return err
	}
	return w.EndContainer()
}

func (m *CounterMessage) Decode(r *tlv.Reader) error {
	if err := decodeStructHeader(r); err != nil {
		return err
	}
	var has bool
	for {
		done, err := nextField(r)
		if err != nil {
			return err
		}
		if done {
			break
		}
		if r.Tag().TagNumber() == counterTagBlockCounter {
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.BlockCounter = uint32(v)
			has = true
		} else if err := r.Skip(); err != nil {
			return err
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	if !has {
		return ErrMissingField
	}
	return nil
}

// BlockQueryWithSkipMessage requests the next block after skipping
// BytesToSkip bytes of the stream (used to fast-forward past content the
// receiver already has from a prior partial transfer).
type BlockQueryWithSkipMessage struct {
	BlockCounter uint32 // Tag 0
	BytesToSkip  uint64 // Tag 1
}

const (
	bqsTagBlockCounter = 0
	bqsTagBytesToSkip  = 1
)

func (m *BlockQueryWithSkipMessage) Encode(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(bqsTagBlockCounter), uint64(m.BlockCounter)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(bqsTagBytesToSkip), m.BytesToSkip); err != nil {
		return err
	}
	return w.EndContainer()
}

func (m *BlockQueryWithSkipMessage) Decode(r *tlv.Reader) error {
	if err := decodeStructHeader(r); err != nil {
		return err
	}
	var hasCounter bool
	for {
		done, err := nextField(r)
		if err != nil {
			return err
		}
		if done {
			break
		}
		switch r.Tag().TagNumber() {
		case bqsTagBlockCounter:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.BlockCounter = uint32(v)
			hasCounter = true
		case bqsTagBytesToSkip:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.BytesToSkip = v
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	if !hasCounter {
		return ErrMissingField
	}
	return nil
}

// BlockMessage carries one chunk of file data. Used for both Block and
// BlockEOF (the opcode, not a field, distinguishes EOF).
type BlockMessage struct {
	BlockCounter uint32 // Tag 0
	Data         []byte // Tag 1
}

const (
	blockTagBlockCounter = 0
	blockTagData         = 1
)

func (m *BlockMessage) Encode(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(blockTagBlockCounter), uint64(m.BlockCounter)); err != nil {
		return err
	}
	if err := w.PutBytes(tlv.ContextTag(blockTagData), m.Data); err != nil {
		return err
	}
	return w.EndContainer()
}

func (m *BlockMessage) Decode(r *tlv.Reader) error {
	if err := decodeStructHeader(r); err != nil {
		return err
	}
	var hasCounter bool
	for {
		done, err := nextField(r)
		if err != nil {
			return err
		}
		if done {
			break
		}
		switch r.Tag().TagNumber() {
		case blockTagBlockCounter:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			m.BlockCounter = uint32(v)
			hasCounter = true
		case blockTagData:
			v, err := r.Bytes()
			if err != nil {
				return err
			}
			m.Data = v
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	if !hasCounter {
		return ErrMissingField
	}
	return nil
}

// decodeStructHeader consumes the opening anonymous structure element
// common to every BDX message body.
func decodeStructHeader(r *tlv.Reader) error {
	if err := r.Next(); err != nil {
		return err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return ErrInvalidType
	}
	return r.EnterContainer()
}

// nextField advances to the next context-tagged element, skipping anything
// else, and reports whether the container has ended.
func nextField(r *tlv.Reader) (done bool, err error) {
	for {
		if err := r.Next(); err != nil {
			if err == io.EOF || r.IsEndOfContainer() {
				return true, nil
			}
			return false, err
		}
		if r.IsEndOfContainer() {
			return true, nil
		}
		if !r.Tag().IsContext() {
			if err := r.Skip(); err != nil {
				return false, err
			}
			continue
		}
		return false, nil
	}
}
