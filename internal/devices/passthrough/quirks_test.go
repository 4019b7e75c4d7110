package passthrough

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHidePolicy(t *testing.T) {
	vf := DeviceInfo{VendorID: 0x8086, DeviceID: 0x10ed}
	if !DefaultHidePolicy(vf, GroupID(capIDExp)) {
		t.Errorf("82599 VF pcie capability must be hidden")
	}
	if DefaultHidePolicy(vf, GroupID(capIDMSI)) {
		t.Errorf("only the pcie capability is hidden")
	}
	if DefaultHidePolicy(vf, ExtCap(extCapIDErr)) {
		t.Errorf("extended capabilities are never hidden by default")
	}

	other := DeviceInfo{VendorID: 0x8086, DeviceID: 0x10fb}
	if DefaultHidePolicy(other, GroupID(capIDExp)) {
		t.Errorf("unrelated devices must not be affected")
	}
}

const quirkYAML = `devices:
  - vendor: 0x10de
    device: 0x2204
    hide_caps: [0x05, 0x11]
    hide_ext_caps: [0x0003]
`

func TestParseHidePolicy(t *testing.T) {
	policy, err := ParseHidePolicy([]byte(quirkYAML))
	if err != nil {
		t.Fatalf("ParseHidePolicy: %v", err)
	}

	gpu := DeviceInfo{VendorID: 0x10de, DeviceID: 0x2204}
	if !policy(gpu, GroupID(capIDMSI)) {
		t.Errorf("listed legacy capability must be hidden")
	}
	if !policy(gpu, GroupID(capIDMSIX)) {
		t.Errorf("listed legacy capability must be hidden")
	}
	if !policy(gpu, ExtCap(extCapIDDSN)) {
		t.Errorf("listed extended capability must be hidden")
	}
	// The two namespaces stay separate: serial number's extended ID
	// equals VPD's legacy ID.
	if policy(gpu, GroupID(capIDVPD)) {
		t.Errorf("legacy and extended namespaces must not mix")
	}
	if policy(gpu, ExtCap(capIDMSI)) {
		t.Errorf("legacy and extended namespaces must not mix")
	}

	other := DeviceInfo{VendorID: 0x10de, DeviceID: 0x2206}
	if policy(other, GroupID(capIDMSI)) {
		t.Errorf("quirks are per vendor/device pair")
	}

	// The built-in policy stays layered underneath.
	if !policy(DeviceInfo{VendorID: 0x8086, DeviceID: 0x10ed}, GroupID(capIDExp)) {
		t.Errorf("default policy must remain in effect")
	}
}

func TestParseHidePolicyRejectsGarbage(t *testing.T) {
	if _, err := ParseHidePolicy([]byte("devices: {not a list}")); err == nil {
		t.Errorf("expected parse error")
	}
}

func TestLoadHidePolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quirks.yaml")
	if err := os.WriteFile(path, []byte(quirkYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	policy, err := LoadHidePolicy(path)
	if err != nil {
		t.Fatalf("LoadHidePolicy: %v", err)
	}
	if !policy(DeviceInfo{VendorID: 0x10de, DeviceID: 0x2204}, GroupID(capIDMSI)) {
		t.Errorf("loaded policy must hide the listed capability")
	}

	if _, err := LoadHidePolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for a missing file")
	}
}

func TestHidePolicyEndToEnd(t *testing.T) {
	policy, err := ParseHidePolicy([]byte(`devices:
  - vendor: 0x8086
    device: 0x10fb
    hide_caps: [0x01]
`))
	if err != nil {
		t.Fatalf("ParseHidePolicy: %v", err)
	}

	d := newTestDevice(t, newFakeNIC(), Options{HidePolicy: policy})

	// Power management disappears from the guest chain.
	ptr, err := d.HandleRead(pciCapabilityPtr, 1)
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if ptr != 0x60 {
		t.Errorf("expected chain to start at msi, got %#02x", ptr)
	}
	if g := d.FindGroup(0x50); g != nil {
		t.Errorf("hidden capability must not be instantiated")
	}
}
