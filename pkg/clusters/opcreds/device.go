package opcreds

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"

	"github.com/fenwick-iot/matterhub/pkg/acl"
	"github.com/fenwick-iot/matterhub/pkg/crypto"
	"github.com/fenwick-iot/matterhub/pkg/datamodel"
	"github.com/fenwick-iot/matterhub/pkg/fabric"
	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

// DeviceConfig configures the device-side Operational Credentials cluster.
type DeviceConfig struct {
	EndpointID datamodel.EndpointID

	// FabricTable is where a successfully-installed NOC is stored.
	FabricTable *fabric.Table

	// ACLManager receives the initial Administer entry for CaseAdminSubject,
	// spec 11.18.6.8 step 7 ("If the CaseAdminSubject field is present... an
	// ACL entry SHALL be created"). Required so a freshly-commissioned node
	// isn't left with no CASE session able to reach it.
	ACLManager *acl.Manager

	// VendorID is the device's own vendor ID, used as AdminVendorID fallback
	// when a command omits it (never the case over a conformant commissioner,
	// but the field is optional on the wire).
	VendorID fabric.VendorID
}

// DeviceCluster is the device-side Operational Credentials cluster (0x003E).
// It implements CSRRequest, AddTrustedRootCertificate and AddNOC — the
// commands this module's commissioner (pkg/commissioning) actually drives.
// AttestationRequest, CertificateChainRequest, UpdateNOC and RemoveFabric
// are not implemented; a device under test only ever needs to accept one
// commissioner's fabric.
type DeviceCluster struct {
	*datamodel.ClusterBase
	config DeviceConfig

	mu              sync.Mutex
	pendingKey      *crypto.P256KeyPair
	pendingOnce     bool // true once a CSR has been generated and not yet consumed
	pendingRootCert []byte // installed by AddTrustedRootCertificate, consumed by AddNOC

	// operationalKeys holds each fabric's operational private key by fabric
	// index, populated once AddNOC commits the CSR's key pair to a fabric.
	// CASE session establishment on this fabric reads from here.
	operationalKeys map[fabric.FabricIndex]*crypto.P256KeyPair

	attrList []datamodel.AttributeEntry
}

// OperationalKey returns the operational key pair installed for fabricIndex,
// or false if no NOC has been added for it yet.
func (c *DeviceCluster) OperationalKey(fabricIndex fabric.FabricIndex) (*crypto.P256KeyPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kp, ok := c.operationalKeys[fabricIndex]
	return kp, ok
}

// NewDeviceCluster creates the device-side Operational Credentials cluster.
func NewDeviceCluster(cfg DeviceConfig) *DeviceCluster {
	c := &DeviceCluster{
		ClusterBase:     datamodel.NewClusterBase(datamodel.ClusterID(ClusterID), cfg.EndpointID, 2),
		config:          cfg,
		operationalKeys: make(map[fabric.FabricIndex]*crypto.P256KeyPair),
	}
	c.attrList = datamodel.MergeAttributeLists(c.buildAttributeList())
	return c
}

// AttrNOCs and AttrFabrics are the two list attributes this cluster backs
// directly from the fabric table (Spec 11.18.6.1, 11.18.6.2).
const (
	AttrNOCs                 datamodel.AttributeID = 0x0000
	AttrFabrics              datamodel.AttributeID = 0x0001
	AttrSupportedFabrics     datamodel.AttributeID = 0x0002
	AttrCommissionedFabrics  datamodel.AttributeID = 0x0003
	AttrTrustedRootCertificates datamodel.AttributeID = 0x0004
	AttrCurrentFabricIndex   datamodel.AttributeID = 0x0005
)

func (c *DeviceCluster) buildAttributeList() []datamodel.AttributeEntry {
	adminPriv := datamodel.PrivilegeAdminister
	return []datamodel.AttributeEntry{
		datamodel.NewReadOnlyAttribute(AttrNOCs, 0, adminPriv),
		datamodel.NewReadOnlyAttribute(AttrFabrics, 0, datamodel.PrivilegeView),
		datamodel.NewReadOnlyAttribute(AttrSupportedFabrics, datamodel.AttrQualityFixed, datamodel.PrivilegeView),
		datamodel.NewReadOnlyAttribute(AttrCommissionedFabrics, 0, datamodel.PrivilegeView),
		datamodel.NewReadOnlyAttribute(AttrTrustedRootCertificates, 0, adminPriv),
		datamodel.NewReadOnlyAttribute(AttrCurrentFabricIndex, 0, datamodel.PrivilegeView),
	}
}

// AttributeList implements datamodel.Cluster.
func (c *DeviceCluster) AttributeList() []datamodel.AttributeEntry { return c.attrList }

// AcceptedCommandList implements datamodel.Cluster.
func (c *DeviceCluster) AcceptedCommandList() []datamodel.CommandEntry {
	adminPriv := datamodel.PrivilegeAdminister
	return []datamodel.CommandEntry{
		datamodel.NewCommandEntry(datamodel.CommandID(CmdCSRRequest), 0, adminPriv),
		datamodel.NewCommandEntry(datamodel.CommandID(CmdAddTrustedRootCert), 0, adminPriv),
		datamodel.NewCommandEntry(datamodel.CommandID(CmdAddNOC), 0, adminPriv),
	}
}

// GeneratedCommandList implements datamodel.Cluster.
func (c *DeviceCluster) GeneratedCommandList() []datamodel.CommandID {
	return []datamodel.CommandID{
		datamodel.CommandID(CmdCSRResponse),
		datamodel.CommandID(CmdNOCResponse),
	}
}

// ReadAttribute implements datamodel.Cluster.
func (c *DeviceCluster) ReadAttribute(ctx context.Context, req datamodel.ReadAttributeRequest, w *tlv.Writer) error {
	if handled, err := c.ReadGlobalAttribute(ctx, req.Path.Attribute, w, c.attrList, c.AcceptedCommandList(), c.GeneratedCommandList()); handled || err != nil {
		return err
	}

	switch req.Path.Attribute {
	case AttrNOCs:
		return c.writeNOCsList(w)
	case AttrFabrics:
		return c.writeFabricsList(w)
	case AttrSupportedFabrics:
		return w.PutUint(tlv.Anonymous(), uint64(c.config.FabricTable.SupportedFabrics()))
	case AttrCommissionedFabrics:
		return w.PutUint(tlv.Anonymous(), uint64(c.config.FabricTable.CommissionedFabrics()))
	case AttrTrustedRootCertificates:
		return c.writeTrustedRootCertificates(w)
	case AttrCurrentFabricIndex:
		return w.PutUint(tlv.Anonymous(), uint64(req.FabricIndex()))
	default:
		return datamodel.ErrUnsupportedAttribute
	}
}

func (c *DeviceCluster) writeNOCsList(w *tlv.Writer) error {
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return err
	}
	for _, n := range c.config.FabricTable.GetNOCsList() {
		if err := n.EncodeTLV(w); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

func (c *DeviceCluster) writeFabricsList(w *tlv.Writer) error {
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return err
	}
	for _, f := range c.config.FabricTable.GetFabricsList() {
		if err := f.EncodeTLV(w); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

func (c *DeviceCluster) writeTrustedRootCertificates(w *tlv.Writer) error {
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return err
	}
	for _, root := range c.config.FabricTable.GetTrustedRootCertificates() {
		if err := w.PutBytes(tlv.Anonymous(), root); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

// WriteAttribute implements datamodel.Cluster. Every attribute here is
// read-only; Administer-privileged writes to the NOCs/Fabrics lists go
// through the CSRRequest/AddNOC commands instead, per spec.
func (c *DeviceCluster) WriteAttribute(ctx context.Context, req datamodel.WriteAttributeRequest, r *tlv.Reader) error {
	return datamodel.ErrUnsupportedWrite
}

// InvokeCommand implements datamodel.Cluster.
func (c *DeviceCluster) InvokeCommand(ctx context.Context, req datamodel.InvokeRequest, r *tlv.Reader) ([]byte, error) {
	switch uint32(req.Path.Command) {
	case CmdCSRRequest:
		return c.handleCSRRequest(r)
	case CmdAddTrustedRootCert:
		return nil, c.handleAddTrustedRootCert(r)
	case CmdAddNOC:
		return c.handleAddNOC(req, r)
	default:
		return nil, datamodel.ErrUnsupportedCommand
	}
}

// handleAddTrustedRootCert stores the RCAC an AddNOC that follows will be
// validated against. Spec 11.18.6.11.
func (c *DeviceCluster) handleAddTrustedRootCert(r *tlv.Reader) error {
	if err := r.Next(); err != nil {
		return err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return err
	}
	var root []byte
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if tag.IsContext() && tag.TagNumber() == 0 {
			v, err := r.Bytes()
			if err != nil {
				return err
			}
			root = v
		}
	}
	if err := r.ExitContainer(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingRootCert = root
	c.mu.Unlock()
	return nil
}

// handleCSRRequest generates a fresh operational key pair, wraps its CSR in
// a NOCSRElements TLV structure (field 1: csr DER, field 2: echoed nonce),
// and returns it unsigned — this device has no DAC, so AttestationSignature
// is the device's own operational signature over NOCSRElements rather than a
// certificate-chain-verifiable one. Commissioners in this module don't
// verify it (opcreds.DecodeCSRResponse only extracts the public key), so
// this is sufficient to drive the protocol without fabricating a DAC chain.
func (c *DeviceCluster) handleCSRRequest(r *tlv.Reader) ([]byte, error) {
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	var nonce []byte
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if tag.IsContext() && tag.TagNumber() == 0 {
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			nonce = v
		}
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}

	keyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("opcreds: generate operational key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: "CSR"},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, keyPair.ECDSAPrivateKey())
	if err != nil {
		return nil, fmt.Errorf("opcreds: create CSR: %w", err)
	}

	var nocsrBuf bytes.Buffer
	nw := tlv.NewWriter(&nocsrBuf)
	if err := nw.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := nw.PutBytes(tlv.ContextTag(1), csrDER); err != nil {
		return nil, err
	}
	if err := nw.PutBytes(tlv.ContextTag(2), nonce); err != nil {
		return nil, err
	}
	if err := nw.EndContainer(); err != nil {
		return nil, err
	}
	nocsrElements := nocsrBuf.Bytes()

	sig, err := crypto.P256Sign(keyPair, nocsrElements)
	if err != nil {
		return nil, fmt.Errorf("opcreds: sign NOCSRElements: %w", err)
	}

	c.mu.Lock()
	c.pendingKey = keyPair
	c.pendingOnce = true
	c.mu.Unlock()

	var out bytes.Buffer
	w := tlv.NewWriter(&out)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(0), nocsrElements); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(1), sig); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// handleAddNOC installs the commissioner-issued NOC into the fabric table
// and, per spec 11.18.6.8, creates the initial Administer ACL entry for
// CaseAdminSubject so the commissioner can reach the device over CASE.
func (c *DeviceCluster) handleAddNOC(req datamodel.InvokeRequest, r *tlv.Reader) ([]byte, error) {
	addReq, err := decodeAddNOCRequest(r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	pending := c.pendingOnce
	rootCert := c.pendingRootCert
	opKey := c.pendingKey
	c.pendingOnce = false
	c.mu.Unlock()
	if !pending {
		return encodeNOCResponse(NOCStatusMissingCsr, 0, "no pending CSR")
	}
	if len(rootCert) == 0 {
		return encodeNOCResponse(NOCStatusInvalidNOC, 0, "no trusted root certificate installed")
	}

	index, err := c.config.FabricTable.AllocateFabricIndex()
	if err != nil {
		return encodeNOCResponse(NOCStatusTableFull, 0, err.Error())
	}

	var ipk [fabric.IPKSize]byte
	copy(ipk[:], addReq.IPKValue)

	vendorID := fabric.VendorID(addReq.AdminVendorID)
	if vendorID == 0 {
		vendorID = c.config.VendorID
	}

	info, err := fabric.NewFabricInfo(index, rootCert, addReq.NOCValue, addReq.ICACValue, vendorID, ipk)
	if err != nil {
		return encodeNOCResponse(NOCStatusInvalidNOC, 0, err.Error())
	}

	if err := c.config.FabricTable.Add(info); err != nil {
		return encodeNOCResponse(NOCStatusFabricConflict, 0, err.Error())
	}

	if addReq.CaseAdminSubj != 0 && c.config.ACLManager != nil {
		_, err := c.config.ACLManager.CreateEntry(index, acl.Entry{
			Privilege: acl.PrivilegeAdminister,
			AuthMode:  acl.AuthModeCASE,
			Subjects:  []uint64{addReq.CaseAdminSubj},
		})
		if err != nil {
			c.config.FabricTable.Remove(index)
			return encodeNOCResponse(NOCStatusInvalidAdminSub, 0, err.Error())
		}
	}

	c.mu.Lock()
	c.operationalKeys[index] = opKey
	c.mu.Unlock()

	c.IncrementDataVersion()
	return encodeNOCResponse(NOCStatusOK, uint8(index), "")
}

// decodedAddNOCRequest is the device-side decode of an AddNOC command. The
// RCAC isn't part of this message (Spec 11.18.6.8) — it comes from whatever
// AddTrustedRootCertificate most recently installed, held in
// DeviceCluster.pendingRootCert.
type decodedAddNOCRequest struct {
	NOCValue      []byte
	ICACValue     []byte
	IPKValue      []byte
	CaseAdminSubj uint64
	AdminVendorID uint16
}

func decodeAddNOCRequest(r *tlv.Reader) (*decodedAddNOCRequest, error) {
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	req := &decodedAddNOCRequest{}
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
			req.NOCValue = v
		case 1:
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			req.ICACValue = v
		case 2:
			v, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			req.IPKValue = v
		case 3:
			v, err := r.Uint()
			if err != nil {
				return nil, err
			}
			req.CaseAdminSubj = v
		case 4:
			v, err := r.Uint()
			if err != nil {
				return nil, err
			}
			req.AdminVendorID = uint16(v)
		}
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	return req, nil
}

func encodeNOCResponse(status NodeOperationalCertStatus, fabricIndex uint8, debugText string) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(0), uint64(status)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(1), uint64(fabricIndex)); err != nil {
		return nil, err
	}
	if debugText != "" {
		if err := w.PutString(tlv.ContextTag(2), debugText); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
