package opcreds

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

// ErrUnsupportedCSRKey is returned when a CSR's public key isn't P-256.
var ErrUnsupportedCSRKey = errors.New("opcreds: CSR public key is not P-256")

// extractCSRPublicKey parses NOCSRElements (Spec 11.18.6.7) and returns the
// 65-byte uncompressed P-256 public key from the embedded PKCS#10 CSR.
//
// NOCSRElements is itself a TLV structure; field [1] "csr" is the raw
// PKCS#10 DER bytes the device produced when it generated its operational
// key pair, so the commissioner never has to know the device's private key.
func extractCSRPublicKey(nocsrElements []byte) ([]byte, error) {
	r := tlv.NewReader(bytes.NewReader(nocsrElements))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	var csrDER []byte
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if tag.IsContext() && tag.TagNumber() == 1 {
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			csrDER = v
		}
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	if csrDER == nil {
		return nil, fmt.Errorf("opcreds: NOCSRElements missing csr field")
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("opcreds: parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("opcreds: CSR signature invalid: %w", err)
	}

	pub, ok := csr.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve.Params().BitSize != 256 {
		return nil, ErrUnsupportedCSRKey
	}

	return elliptic65(pub), nil
}

// elliptic65 encodes a P-256 public key in SEC1 uncompressed form:
// 0x04 || X (32 bytes) || Y (32 bytes).
func elliptic65(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}
