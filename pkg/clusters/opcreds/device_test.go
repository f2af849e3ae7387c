package opcreds

import (
	"bytes"
	"context"
	"testing"

	"github.com/fenwick-iot/matterhub/pkg/acl"
	"github.com/fenwick-iot/matterhub/pkg/datamodel"
	"github.com/fenwick-iot/matterhub/pkg/fabric"
	"github.com/fenwick-iot/matterhub/pkg/tlv"
)

func createTestDeviceCluster() *DeviceCluster {
	return NewDeviceCluster(DeviceConfig{
		EndpointID:  0,
		FabricTable: fabric.NewTable(fabric.DefaultTableConfig()),
		ACLManager:  acl.NewManager(nil, nil),
		VendorID:    fabric.VendorIDTestVendor1,
	})
}

func TestDeviceClusterID(t *testing.T) {
	c := createTestDeviceCluster()
	if uint32(c.ID()) != ClusterID {
		t.Errorf("expected cluster ID 0x%04X, got 0x%04X", ClusterID, c.ID())
	}
}

func TestDeviceClusterAcceptedCommandList(t *testing.T) {
	c := createTestDeviceCluster()
	cmdList := c.AcceptedCommandList()

	expected := []datamodel.CommandID{
		datamodel.CommandID(CmdCSRRequest),
		datamodel.CommandID(CmdAddTrustedRootCert),
		datamodel.CommandID(CmdAddNOC),
	}
	for _, id := range expected {
		found := false
		for _, cmd := range cmdList {
			if cmd.ID == id {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command 0x%02X not in AcceptedCommandList", id)
		}
	}
}

func encodeCSRRequestTLV(t *testing.T, nonce []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		t.Fatal(err)
	}
	if err := w.PutBytes(tlv.ContextTag(0), nonce); err != nil {
		t.Fatal(err)
	}
	if err := w.PutBool(tlv.ContextTag(1), false); err != nil {
		t.Fatal(err)
	}
	if err := w.EndContainer(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCSRRequest_ProducesParsableCSRResponse(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	nonce := bytes.Repeat([]byte{0x42}, 32)
	reqData := encodeCSRRequestTLV(t, nonce)
	r := tlv.NewReader(bytes.NewReader(reqData))

	req := datamodel.InvokeRequest{
		Path: datamodel.ConcreteCommandPath{
			Endpoint: 0,
			Cluster:  datamodel.ClusterID(ClusterID),
			Command:  datamodel.CommandID(CmdCSRRequest),
		},
	}

	respData, err := c.InvokeCommand(ctx, req, r)
	if err != nil {
		t.Fatalf("CSRRequest failed: %v", err)
	}

	info, err := DecodeCSRResponse(respData)
	if err != nil {
		t.Fatalf("failed to decode CSRResponse: %v", err)
	}
	if len(info.CSRPublicKey) == 0 {
		t.Error("expected a non-empty CSR public key")
	}
	if len(info.AttestationSignature) == 0 {
		t.Error("expected a non-empty attestation signature")
	}

	c.mu.Lock()
	pending := c.pendingOnce
	c.mu.Unlock()
	if !pending {
		t.Error("expected a pending CSR to be recorded")
	}
}

func TestAddNOC_WithoutCSRRequest_ReturnsMissingCsr(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	addData, err := EncodeAddNOC(&AddNOCRequest{
		NOCValue:      []byte{0x01},
		IPKValue:      bytes.Repeat([]byte{0x01}, fabric.IPKSize),
		CaseAdminSubj: 0xDEDEDEDE00010001,
		AdminVendorID: uint16(fabric.VendorIDTestVendor1),
	})
	if err != nil {
		t.Fatal(err)
	}
	r := tlv.NewReader(bytes.NewReader(addData))

	req := datamodel.InvokeRequest{
		Path: datamodel.ConcreteCommandPath{
			Endpoint: 0,
			Cluster:  datamodel.ClusterID(ClusterID),
			Command:  datamodel.CommandID(CmdAddNOC),
		},
	}

	respData, err := c.InvokeCommand(ctx, req, r)
	if err != nil {
		t.Fatalf("AddNOC failed: %v", err)
	}
	resp, err := DecodeNOCResponse(respData)
	if err != nil {
		t.Fatalf("failed to decode NOCResponse: %v", err)
	}
	if resp.StatusCode != NOCStatusMissingCsr {
		t.Errorf("expected NOCStatusMissingCsr, got %v", resp.StatusCode)
	}
}

func TestAddNOC_WithoutTrustedRoot_ReturnsInvalidNOC(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	// Drive a CSRRequest first so pendingOnce is set, but never install a
	// trusted root certificate.
	csrData := encodeCSRRequestTLV(t, bytes.Repeat([]byte{0x01}, 32))
	if _, err := c.InvokeCommand(ctx, datamodel.InvokeRequest{
		Path: datamodel.ConcreteCommandPath{
			Endpoint: 0,
			Cluster:  datamodel.ClusterID(ClusterID),
			Command:  datamodel.CommandID(CmdCSRRequest),
		},
	}, tlv.NewReader(bytes.NewReader(csrData))); err != nil {
		t.Fatalf("CSRRequest failed: %v", err)
	}

	addData, err := EncodeAddNOC(&AddNOCRequest{
		NOCValue:      []byte{0x01},
		IPKValue:      bytes.Repeat([]byte{0x01}, fabric.IPKSize),
		CaseAdminSubj: 0xDEDEDEDE00010001,
		AdminVendorID: uint16(fabric.VendorIDTestVendor1),
	})
	if err != nil {
		t.Fatal(err)
	}
	r := tlv.NewReader(bytes.NewReader(addData))

	respData, err := c.InvokeCommand(ctx, datamodel.InvokeRequest{
		Path: datamodel.ConcreteCommandPath{
			Endpoint: 0,
			Cluster:  datamodel.ClusterID(ClusterID),
			Command:  datamodel.CommandID(CmdAddNOC),
		},
	}, r)
	if err != nil {
		t.Fatalf("AddNOC failed: %v", err)
	}
	resp, err := DecodeNOCResponse(respData)
	if err != nil {
		t.Fatalf("failed to decode NOCResponse: %v", err)
	}
	if resp.StatusCode != NOCStatusInvalidNOC {
		t.Errorf("expected NOCStatusInvalidNOC, got %v", resp.StatusCode)
	}
}

func TestAddTrustedRootCert_StoresPendingRootCert(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	rootCert := []byte{0xde, 0xad, 0xbe, 0xef}
	reqData, err := EncodeAddTrustedRootCert(rootCert)
	if err != nil {
		t.Fatal(err)
	}
	r := tlv.NewReader(bytes.NewReader(reqData))

	_, err = c.InvokeCommand(ctx, datamodel.InvokeRequest{
		Path: datamodel.ConcreteCommandPath{
			Endpoint: 0,
			Cluster:  datamodel.ClusterID(ClusterID),
			Command:  datamodel.CommandID(CmdAddTrustedRootCert),
		},
	}, r)
	if err != nil {
		t.Fatalf("AddTrustedRootCertificate failed: %v", err)
	}

	c.mu.Lock()
	got := c.pendingRootCert
	c.mu.Unlock()
	if !bytes.Equal(got, rootCert) {
		t.Errorf("pendingRootCert mismatch: got %x, want %x", got, rootCert)
	}
}

func TestReadAttribute_SupportedFabrics(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	req := datamodel.ReadAttributeRequest{
		Path: datamodel.ConcreteAttributePath{
			Endpoint:  0,
			Cluster:   datamodel.ClusterID(ClusterID),
			Attribute: AttrSupportedFabrics,
		},
	}
	if err := c.ReadAttribute(ctx, req, w); err != nil {
		t.Fatalf("failed to read SupportedFabrics: %v", err)
	}

	r := tlv.NewReader(bytes.NewReader(buf.Bytes()))
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	val, err := r.Uint()
	if err != nil {
		t.Fatal(err)
	}
	if val != uint64(fabric.DefaultSupportedFabrics) {
		t.Errorf("expected %d, got %d", fabric.DefaultSupportedFabrics, val)
	}
}

func TestWriteAttribute_Unsupported(t *testing.T) {
	c := createTestDeviceCluster()
	ctx := context.Background()

	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.PutUint(tlv.Anonymous(), 1); err != nil {
		t.Fatal(err)
	}
	r := tlv.NewReader(bytes.NewReader(buf.Bytes()))

	err := c.WriteAttribute(ctx, datamodel.WriteAttributeRequest{
		Path: datamodel.ConcreteDataAttributePath{
			ConcreteAttributePath: datamodel.ConcreteAttributePath{
				Endpoint:  0,
				Cluster:   datamodel.ClusterID(ClusterID),
				Attribute: AttrNOCs,
			},
		},
	}, r)
	if err != datamodel.ErrUnsupportedWrite {
		t.Errorf("expected ErrUnsupportedWrite, got %v", err)
	}
}
