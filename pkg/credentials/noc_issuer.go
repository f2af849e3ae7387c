package credentials

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

// NOCCATCount is the maximum number of CASE Authenticated Tags a NOC's
// subject DN may carry. Spec Section 6.4.1.4.
const NOCCATCount = 3

// Errors returned by NOC issuance.
var (
	// ErrIssuerNotCA is returned when the issuer certificate is not a CA cert.
	ErrIssuerNotCA = errors.New("credentials: issuer certificate is not a CA")
	// ErrInvalidCSRPublicKey is returned when a CSR public key isn't a valid P-256 point.
	ErrInvalidCSRPublicKey = errors.New("credentials: CSR public key is not a valid uncompressed P-256 point")
)

// NOCIssuer signs Node Operational Certificates (and, less commonly,
// Intermediate CA Certificates) on behalf of a fabric's certificate
// authority. It holds the CA's private key and the CA's own certificate
// (an RCAC or ICAC), and uses them to fill in the Issuer DN, Authority Key
// ID extension, and signature of every certificate it issues.
//
// Spec Reference: Section 6.4.1 "Node Operational CSR Procedure" and
// Section 11.18 "Operational Credentials Cluster".
type NOCIssuer struct {
	caKey  *ecdsa.PrivateKey
	caCert *Certificate
}

// NewNOCIssuer creates a NOCIssuer from a CA private key and the CA's own
// certificate (RCAC or ICAC). The caCert's subject key ID extension must be
// present; it becomes the authority key ID of every certificate issued.
func NewNOCIssuer(caKey *ecdsa.PrivateKey, caCert *Certificate) (*NOCIssuer, error) {
	if caKey == nil || caCert == nil {
		return nil, fmt.Errorf("credentials: NOC issuer requires a CA key and certificate")
	}
	if !caCert.IsCA() {
		return nil, ErrIssuerNotCA
	}
	if caCert.SubjectKeyID() == nil {
		return nil, fmt.Errorf("credentials: CA certificate is missing a subject key ID")
	}
	return &NOCIssuer{caKey: caKey, caCert: caCert}, nil
}

// NOCTemplate describes the operational identity to bind into a freshly
// issued NOC.
type NOCTemplate struct {
	// CSRPublicKey is the 65-byte uncompressed P-256 public key extracted
	// from the device's NOCSR payload (Spec Section 11.18.6.7).
	CSRPublicKey []byte

	// FabricID is the fabric the device is being commissioned into.
	FabricID uint64

	// NodeID is the operational node ID assigned to the device.
	NodeID uint64

	// CATs are optional CASE Authenticated Tags (Spec Section 6.4.1.4),
	// at most NOCCATCount entries.
	CATs []uint32

	// Validity is how long the issued certificate is valid for. Zero means
	// NotAfter is left at 0 (no well-defined expiration), matching the
	// common practice of long-lived operational certificates.
	Validity time.Duration

	// SerialNumber is the certificate serial number. If nil, a random
	// 8-byte serial is generated.
	SerialNumber []byte
}

// IssueNOC signs a new Node Operational Certificate for the given template,
// returning the TLV-encoded certificate bytes ready to place in an AddNOC
// command.
func (iss *NOCIssuer) IssueNOC(tmpl NOCTemplate) ([]byte, error) {
	if len(tmpl.CSRPublicKey) != PublicKeySize {
		return nil, ErrInvalidCSRPublicKey
	}
	if _, err := ecdh.P256().NewPublicKey(tmpl.CSRPublicKey); err != nil {
		return nil, ErrInvalidCSRPublicKey
	}
	if len(tmpl.CATs) > NOCCATCount {
		return nil, fmt.Errorf("credentials: too many CATs: %d > %d", len(tmpl.CATs), NOCCATCount)
	}

	subject := DistinguishedName{
		NewDNUint64(TagDNMatterFabricID, tmpl.FabricID),
		NewDNUint64(TagDNMatterNodeID, tmpl.NodeID),
	}
	for _, cat := range tmpl.CATs {
		subject = append(subject, NewDNUint64(TagDNMatterNOCCAT, uint64(cat)))
	}

	serial := tmpl.SerialNumber
	if serial == nil {
		serial = make([]byte, 8)
		if _, err := rand.Read(serial); err != nil {
			return nil, fmt.Errorf("credentials: generate serial: %w", err)
		}
	}

	notBefore := TimeToMatterEpoch(time.Now())
	var notAfter uint32
	if tmpl.Validity > 0 {
		notAfter = TimeToMatterEpoch(time.Now().Add(tmpl.Validity))
	}

	skid := sha256.Sum256(tmpl.CSRPublicKey)

	cert := &Certificate{
		SerialNum:  serial,
		SigAlgo:    SignatureAlgoECDSASHA256,
		Issuer:     iss.caCert.Subject,
		NotBefore:  notBefore,
		NotAfter:   notAfter,
		Subject:    subject,
		PubKeyAlgo: PublicKeyAlgoEC,
		ECCurveID:  EllipticCurvePrime256v1,
		ECPubKey:   tmpl.CSRPublicKey,
		Extensions: Extensions{
			BasicConstraints: &BasicConstraints{IsCA: false},
			KeyUsage:         &KeyUsageExt{Usage: KeyUsageDigitalSignature},
			ExtendedKeyUsage: &ExtendedKeyUsageExt{KeyPurposes: []KeyPurposeID{KeyPurposeClientAuth, KeyPurposeServerAuth}},
			SubjectKeyID:     &SubjectKeyIDExt{KeyID: skid20(skid)},
			AuthorityKeyID:   &AuthorityKeyIDExt{KeyID: akid20(iss.caCert.SubjectKeyID())},
		},
	}

	sig, err := iss.sign(cert)
	if err != nil {
		return nil, err
	}
	cert.Signature = sig

	return cert.EncodeTLV()
}

// sign computes the TBS (to-be-signed) TLV encoding of cert, minus the
// signature field, and returns a raw 64-byte r||s ECDSA-P256 signature
// over its SHA-256 hash. Spec Section 6.5.2's signature covers every
// preceding field of the certificate structure.
func (iss *NOCIssuer) sign(cert *Certificate) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(TagSerialNum), cert.SerialNum); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(TagSigAlgo), uint64(cert.SigAlgo)); err != nil {
		return nil, err
	}
	if err := cert.Issuer.EncodeTLV(w, tlv.ContextTag(TagIssuer)); err != nil {
		return nil, err
	}
	if err := w.PutUintWithWidth(tlv.ContextTag(TagNotBefore), uint64(cert.NotBefore), 4); err != nil {
		return nil, err
	}
	if err := w.PutUintWithWidth(tlv.ContextTag(TagNotAfter), uint64(cert.NotAfter), 4); err != nil {
		return nil, err
	}
	if err := cert.Subject.EncodeTLV(w, tlv.ContextTag(TagSubject)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(TagPubKeyAlgo), uint64(cert.PubKeyAlgo)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(TagECCurveID), uint64(cert.ECCurveID)); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(TagECPubKey), cert.ECPubKey); err != nil {
		return nil, err
	}
	if err := cert.Extensions.EncodeTLV(w); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}

	hash := sha256.Sum256(buf.Bytes())
	r, s, err := ecdsa.Sign(rand.Reader, iss.caKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("credentials: sign NOC: %w", err)
	}
	return rawSignature(r, s), nil
}

// rawSignature encodes r and s as a fixed-width 64-byte r||s signature,
// the format Matter certificates use in place of X.509's ASN.1 SEQUENCE.
func rawSignature(r, s *big.Int) []byte {
	out := make([]byte, SignatureSize)
	r.FillBytes(out[:SignatureSize/2])
	s.FillBytes(out[SignatureSize/2:])
	return out
}

func skid20(h [32]byte) [20]byte {
	var out [20]byte
	copy(out[:], h[:20])
	return out
}

func akid20(b []byte) [20]byte {
	var out [20]byte
	copy(out[:], b)
	return out
}
