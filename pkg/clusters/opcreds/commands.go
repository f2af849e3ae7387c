// Package opcreds implements the Operational Credentials cluster (Spec
// Section 11.18): the CSRRequest/CSRResponse exchange that obtains a
// device's operational CSR, the AddTrustedRootCertificate command that
// installs the fabric's root certificate, and the AddNOC/NOCResponse
// exchange that installs the resulting certificate chain onto the device.
//
// This file holds the controller-side encode/decode helpers a
// Commissioner uses to issue these commands; DeviceCluster in device.go
// is the device-side handler that answers them.
package opcreds

import (
	"bytes"
	"errors"

	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

// ClusterID is the Operational Credentials cluster identifier.
// Spec Section 11.18.
const ClusterID = 0x003E

// Command IDs for the Operational Credentials cluster.
const (
	CmdAttestationRequest  = 0x00
	CmdAttestationResponse = 0x01
	CmdCSRRequest          = 0x04
	CmdCSRResponse         = 0x05
	CmdAddNOC              = 0x06
	CmdUpdateNOC           = 0x07
	CmdNOCResponse         = 0x08
	CmdAddTrustedRootCert  = 0x0B
)

// NodeOperationalCertStatus is the result code carried in NOCResponse.
// Spec Section 11.18.6.8, Table 101.
type NodeOperationalCertStatus uint8

const (
	NOCStatusOK               NodeOperationalCertStatus = 0
	NOCStatusInvalidPublicKey NodeOperationalCertStatus = 1
	NOCStatusInvalidNodeOpID  NodeOperationalCertStatus = 2
	NOCStatusInvalidNOC       NodeOperationalCertStatus = 3
	NOCStatusMissingCsr       NodeOperationalCertStatus = 4
	NOCStatusTableFull        NodeOperationalCertStatus = 5
	NOCStatusInvalidAdminSub  NodeOperationalCertStatus = 6
	NOCStatusFabricConflict   NodeOperationalCertStatus = 9
	NOCStatusLabelConflict    NodeOperationalCertStatus = 10
	NOCStatusInvalidFabricInd NodeOperationalCertStatus = 11
)

// ErrInvalidResponse is returned when a cluster response can't be decoded.
var ErrInvalidResponse = errors.New("opcreds: invalid response")

// CSRRequest is the CSRRequest command (Spec 11.18.6.6).
type CSRRequest struct {
	// CSRNonce is a 32-byte random nonce the device must echo back inside
	// the signed NOCSR elements, binding the CSR to this request.
	CSRNonce []byte
	// IsForUpdateNOC is true when requesting a CSR to rotate an existing
	// NOC rather than install the first one on a fabric.
	IsForUpdateNOC bool
}

// CSRResponseInfo holds the device's NOCSRElements/AttestationSignature
// pair plus the CSR public key extracted from NOCSRElements.CSR, since
// that is the only field the commissioner needs to build a NOC.
type CSRResponseInfo struct {
	NOCSRElements        []byte
	AttestationSignature []byte

	// CSRPublicKey is the 65-byte uncompressed P-256 key parsed out of the
	// PKCS#10 CSR embedded in NOCSRElements.
	CSRPublicKey []byte
}

// AddNOCRequest is the AddNOC command (Spec 11.18.6.8).
type AddNOCRequest struct {
	NOCValue      []byte
	ICACValue     []byte // optional, nil if no ICAC
	IPKValue      []byte // 16-byte Identity Protection Key epoch key
	CaseAdminSubj uint64 // initial CASE admin subject (commissioner's NodeID)
	AdminVendorID uint16
}

// NOCResponse is the NOCResponse command (Spec 11.18.6.9).
type NOCResponse struct {
	StatusCode  NodeOperationalCertStatus
	FabricIndex uint8
	DebugText   string
}

// EncodeCSRRequest encodes a CSRRequest to TLV.
func EncodeCSRRequest(req *CSRRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(0), req.CSRNonce); err != nil {
		return nil, err
	}
	if err := w.PutBool(tlv.ContextTag(1), req.IsForUpdateNOC); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCSRResponse decodes a CSRResponse and extracts the CSR's public
// key. It does not verify AttestationSignature; callers that need
// cryptographic assurance the CSR came from the attested device should
// verify it against the device's DAC before trusting CSRPublicKey.
func DecodeCSRResponse(data []byte) (*CSRResponseInfo, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	info := &CSRResponseInfo{}
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		switch tag.TagNumber() {
		case 0:
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			info.NOCSRElements = v
		case 1:
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			info.AttestationSignature = v
		}
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}

	pub, err := extractCSRPublicKey(info.NOCSRElements)
	if err != nil {
		return nil, err
	}
	info.CSRPublicKey = pub

	return info, nil
}

// EncodeAddTrustedRootCert encodes an AddTrustedRootCertificate request
// (Spec 11.18.6.11). It must be invoked after CSRRequest and before AddNOC:
// the device validates AddNOC's NOC against whichever RCAC was most
// recently installed this way.
func EncodeAddTrustedRootCert(rootCACertificate []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(0), rootCACertificate); err != nil {
		return nil, err
	}
	return buf.Bytes(), w.EndContainer()
}

// EncodeAddNOC encodes an AddNOC request to TLV.
func EncodeAddNOC(req *AddNOCRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(0), req.NOCValue); err != nil {
		return nil, err
	}
	if len(req.ICACValue) > 0 {
		if err := w.PutBytes(tlv.ContextTag(1), req.ICACValue); err != nil {
			return nil, err
		}
	}
	if err := w.PutBytes(tlv.ContextTag(2), req.IPKValue); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(3), req.CaseAdminSubj); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(4), uint64(req.AdminVendorID)); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeNOCResponse decodes an AddNOC/UpdateNOC response.
func DecodeNOCResponse(data []byte) (*NOCResponse, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	resp := &NOCResponse{}
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		switch tag.TagNumber() {
		case 0:
			v, err := r.Uint()
			if err != nil {
				return nil, err
			}
			resp.StatusCode = NodeOperationalCertStatus(v)
		case 1:
			v, err := r.Uint()
			if err != nil {
				return nil, err
			}
			resp.FabricIndex = uint8(v)
		case 2:
			v, err := r.String()
			if err != nil {
				return nil, err
			}
			resp.DebugText = v
		}
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	return resp, nil
}
