package passthrough

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HidePolicy decides whether a capability group is suppressed for a device.
// Hidden capabilities are spliced out of the guest-visible chain.
type HidePolicy func(info DeviceInfo, id GroupID) bool

const (
	vendorIDIntel      = 0x8086
	deviceID82599SFPVF = 0x10ed
)

// DefaultHidePolicy hides capabilities known to break guests. The VF of the
// Intel 82599 10GbE controller advertises a PCI Express capability whose
// Capabilities Register reads zero, so its version cannot be parsed and no
// guest driver can make sense of it.
func DefaultHidePolicy(info DeviceInfo, id GroupID) bool {
	if id.isExtCap() {
		return false
	}
	switch id.capID() {
	case capIDExp:
		return info.VendorID == vendorIDIntel && info.DeviceID == deviceID82599SFPVF
	}
	return false
}

type quirkFile struct {
	Devices []deviceQuirk `yaml:"devices"`
}

// deviceQuirk lists capabilities to hide for one vendor/device pair.
// Capability IDs use the legacy namespace, extended IDs the extended one.
type deviceQuirk struct {
	Vendor      uint16   `yaml:"vendor"`
	Device      uint16   `yaml:"device"`
	HideCaps    []uint16 `yaml:"hide_caps"`
	HideExtCaps []uint16 `yaml:"hide_ext_caps"`
}

// LoadHidePolicy reads a YAML quirk table and returns a policy hiding the
// listed capabilities on top of DefaultHidePolicy.
func LoadHidePolicy(path string) (HidePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading quirk table: %w", err)
	}
	return ParseHidePolicy(raw)
}

// ParseHidePolicy builds a hide policy from YAML quirk table contents.
func ParseHidePolicy(raw []byte) (HidePolicy, error) {
	var qf quirkFile
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return nil, fmt.Errorf("parsing quirk table: %w", err)
	}
	return qf.policy(), nil
}

func (qf *quirkFile) policy() HidePolicy {
	return func(info DeviceInfo, id GroupID) bool {
		if DefaultHidePolicy(info, id) {
			return true
		}
		for _, q := range qf.Devices {
			if q.Vendor != info.VendorID || q.Device != info.DeviceID {
				continue
			}
			ids := q.HideCaps
			if id.isExtCap() {
				ids = q.HideExtCaps
			}
			for _, c := range ids {
				if c == id.capID() {
					return true
				}
			}
		}
		return false
	}
}
