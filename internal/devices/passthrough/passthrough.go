// Package passthrough presents a filtered, partially virtualized view of a
// physical PCI device's configuration space to a guest. Most accesses flow
// through to real hardware; registers with guest-visible side effects are
// intercepted and merged per-bit against a shadow copy built at attach time.
package passthrough

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors for failures the caller can classify.
var (
	// ErrUnsupportedDevice marks hardware this package refuses to model
	// (non-endpoint PCIe devices, unknown capability versions).
	ErrUnsupportedDevice = errors.New("unsupported device")
	// ErrInvariant marks an internal catalog/hardware mismatch the model
	// cannot reason about.
	ErrInvariant = errors.New("register model invariant violated")
)

// RegionType flags for a host BAR region, mirroring the kernel's resource
// flag classes.
type RegionType uint8

const (
	RegionTypeIO RegionType = 1 << iota
	RegionTypeMem
	RegionTypePrefetch
	RegionTypeMem64
)

// Region describes one host BAR (or ROM) window as reported by the host
// bus layer.
type Region struct {
	BaseAddr uint64
	Size     uint64
	Type     RegionType
	BusFlags uint64
}

// DeviceInfo carries the host device attributes the emulation consults.
// PCIeFlags holds the PCI Express Capabilities register, or 0xffff when the
// device has no PCIe capability.
type DeviceInfo struct {
	VendorID  uint16
	DeviceID  uint16
	ClassCode uint32
	IRQ       int
	PCIeFlags uint16
	IsVirtFn  bool
}

// HostDevice is the hardware-access collaborator: raw config-space I/O plus
// the capability-list walks, all little-endian on the wire and host-native
// here. Implemented by hostpci.Device and by in-memory fakes in tests.
type HostDevice interface {
	ReadByte(pos uint32) (uint8, error)
	ReadWord(pos uint32) (uint16, error)
	ReadLong(pos uint32) (uint32, error)
	WriteByte(pos uint32, v uint8) error
	WriteWord(pos uint32, v uint16) error
	WriteLong(pos uint32, v uint32) error

	// FindNextCapability walks the legacy capability list from start
	// (0 anchors at the Capabilities Pointer) looking for id; CapIDAny
	// matches anything. Returns 0 when not found.
	FindNextCapability(start uint32, id uint32) uint32
	// FindNextExtCapability is the extended-config-space equivalent.
	FindNextExtCapability(start uint32, id uint32) uint32

	Info() DeviceInfo
	// Region reports BAR windows 0..5; index 6 is the expansion ROM.
	Region(index int) Region
}

// CapIDAny matches any capability ID in a FindNext walk.
const CapIDAny = ^uint32(0)

// MSIXInfo describes the MSI-X table and PBA placement handed to the
// interrupt backend at build time.
type MSIXInfo struct {
	Base        uint32
	TableSize   int
	TableBAR    int
	TableOffset uint32
	PBABAR      int
	PBAOffset   uint32
}

// InterruptBackend programs physical MSI/MSI-X delivery. Setup/bind failures
// degrade the feature (the guest sees the enable bit clear); they never fail
// the device.
type InterruptBackend interface {
	SetupMSI() error
	UpdateMSI(addrLo, addrHi uint32, data uint16, mask uint32) error
	DisableMSI() error

	InitMSIX(info MSIXInfo) error
	UpdateMSIX() error
	DisableMSIX() error
	UnmapMSIX() error
}

// NopInterruptBackend satisfies InterruptBackend without touching hardware.
// Useful for inspection tools that only want the config-space view.
type NopInterruptBackend struct{}

func (NopInterruptBackend) SetupMSI() error                                { return nil }
func (NopInterruptBackend) UpdateMSI(uint32, uint32, uint16, uint32) error { return nil }
func (NopInterruptBackend) DisableMSI() error                              { return nil }
func (NopInterruptBackend) InitMSIX(MSIXInfo) error                        { return nil }
func (NopInterruptBackend) UpdateMSIX() error                              { return nil }
func (NopInterruptBackend) DisableMSIX() error                             { return nil }
func (NopInterruptBackend) UnmapMSIX() error                               { return nil }

// OpregionAccess reads and writes the IGD opregion address window.
type OpregionAccess interface {
	ReadOpregion() uint32
	WriteOpregion(v uint32)
}

// Options configure a device build.
type Options struct {
	// Permissive lets guest writes reach hardware-reserved bits.
	Permissive bool
	// HidePolicy suppresses capabilities per device; nil means
	// DefaultHidePolicy.
	HidePolicy HidePolicy
	// Interrupts programs physical MSI/MSI-X; nil means NopInterruptBackend.
	Interrupts InterruptBackend
	// IGDOpregion enables the opregion pseudo-group at 0xfc. Off by
	// default: emulating that window unconditionally would shadow any
	// capability a non-IGD device keeps there.
	IGDOpregion OpregionAccess
	Logger      *slog.Logger
}

// RegisterEntry is the per-device instance of one emulated register. Its
// shadow value lives in the device's config buffer at offset; the entry only
// references that storage.
type RegisterEntry struct {
	desc   *RegisterDescriptor
	offset uint32 // absolute offset into the shadow buffer
}

// Descriptor returns the catalog descriptor backing this entry.
func (e *RegisterEntry) Descriptor() *RegisterDescriptor { return e.desc }

// Offset returns the entry's absolute config-space offset.
func (e *RegisterEntry) Offset() uint32 { return e.offset }

// RegisterGroup is the per-device instance of one discovered register group.
// hardwired groups read as zero and drop writes; a group can be hardwired
// either by catalog or because the hide policy suppressed a capability that
// anchors the extended chain and cannot be spliced out.
type RegisterGroup struct {
	desc       *GroupDescriptor
	baseOffset uint32
	size       uint32
	hardwired  bool
	regs       []*RegisterEntry
}

// Descriptor returns the catalog descriptor backing this group.
func (g *RegisterGroup) Descriptor() *GroupDescriptor { return g.desc }

// BaseOffset returns the group's base offset in the real config space.
func (g *RegisterGroup) BaseOffset() uint32 { return g.baseOffset }

// Size returns the group's computed emulated size in bytes.
func (g *RegisterGroup) Size() uint32 { return g.size }

// Hardwired reports whether the group reads as zero and drops writes.
func (g *RegisterGroup) Hardwired() bool { return g.hardwired }

// FindRegister returns the register entry covering address, or nil.
func (g *RegisterGroup) FindRegister(address uint32) *RegisterEntry {
	for _, e := range g.regs {
		if e.offset <= address && address < e.offset+uint32(e.desc.Size) {
			return e
		}
	}
	return nil
}

// BARClass is the fixed classification of one BAR slot.
type BARClass int

const (
	BARUnused BARClass = iota
	BARIO
	BARMem
	// BARUpper64 marks the odd BAR holding the high half of a 64-bit
	// memory BAR.
	BARUpper64
)

// scanContext carries mutable build-time state, keeping independent device
// builds isolated and deterministic.
type scanContext struct {
	fakeCapID uint16
}

// fakeCapIDBase seeds the manufactured capability IDs substituted for
// hidden-but-structurally-first extended capabilities.
const fakeCapIDBase = 0xfe00

// Device is the guest-visible model of one passed-through PCI function.
// Construction and all config accesses are serialized by the caller's
// device-model lock; nothing here suspends except the synchronous hardware
// queries.
type Device struct {
	host HostDevice
	intr InterruptBackend
	log  *slog.Logger

	shadow []byte // guest-visible config space, 4 KiB
	groups []*RegisterGroup
	bars   [pciNumRegions]BARClass

	msi  *msiState
	msix *msixState

	permissive bool
	intxInUse  bool
	hide       HidePolicy
	opregion   OpregionAccess

	scan scanContext
}

// New builds the full register model for host. On any failure the partially
// built state is torn down and the error returned; no device survives a
// failed build.
func New(host HostDevice, opts Options) (*Device, error) {
	if host == nil {
		return nil, fmt.Errorf("passthrough: host device cannot be nil")
	}
	d := &Device{
		host:       host,
		intr:       opts.Interrupts,
		log:        opts.Logger,
		shadow:     make([]byte, pcieConfigSpaceSize),
		permissive: opts.Permissive,
		intxInUse:  host.Info().IRQ != 0,
		hide:       opts.HidePolicy,
		opregion:   opts.IGDOpregion,
		scan:       scanContext{fakeCapID: fakeCapIDBase},
	}
	if d.intr == nil {
		d.intr = NopInterruptBackend{}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.hide == nil {
		d.hide = DefaultHidePolicy
	}

	if err := d.build(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// build runs the one-shot synchronizer pass: locate each catalog group,
// compute its size and instantiate its registers in declaration order.
func (d *Device) build() error {
	for i := range registerGroups {
		grp := &registerGroups[i]

		var base uint32
		hardwired := grp.Kind == GroupHardwired
		switch grp.ID {
		case GroupIDHeader:
			base = 0
		case GroupIDIGDOpregion:
			if d.opregion == nil {
				continue
			}
			base = uint32(GroupIDIGDOpregion)
		default:
			base = d.findCapOffset(grp.ID)
			if base == 0 {
				continue
			}
			if d.hidden(grp.ID) {
				if !grp.ID.isExtCap() || base != pciConfigSpaceSize {
					continue
				}
				// A hidden capability anchoring the extended chain
				// cannot be unlinked, so it is zeroed in place instead.
				hardwired = true
			}
		}

		size, err := d.groupSize(grp, base)
		if err != nil {
			return fmt.Errorf("capability group %d (id %#x) at %#x: %w", i, uint32(grp.ID), base, err)
		}
		if base+size > pcieConfigSpaceSize {
			d.log.Warn("capability group exceeds config space, clamping",
				"id", fmt.Sprintf("%#x", uint32(grp.ID)),
				"base", fmt.Sprintf("%#x", base),
				"size", size)
			size = pcieConfigSpaceSize - base
		}

		g := &RegisterGroup{desc: grp, baseOffset: base, size: size, hardwired: hardwired}
		d.groups = append(d.groups, g)

		// Hardwired groups read as zero, except that one sitting at the
		// very base of extended config space must keep a live header so
		// the guest chain stays well formed.
		if hardwired && base != pciConfigSpaceSize {
			continue
		}
		for j := range grp.Registers {
			if err := d.initRegister(g, &grp.Registers[j]); err != nil {
				return fmt.Errorf("register %d at %#x in group id %#x: %w",
					j, base+grp.Registers[j].Offset, uint32(grp.ID), err)
			}
		}
	}
	return nil
}

// hidden consults the hide policy for this device.
func (d *Device) hidden(id GroupID) bool {
	return d.hide(d.host.Info(), id)
}

// findCapOffset locates a catalog group in the device's real capability
// chains. Extended capabilities are only looked up on PCIe devices.
func (d *Device) findCapOffset(id GroupID) uint32 {
	if id.isExtCap() {
		if d.host.Info().PCIeFlags == 0xffff {
			return 0
		}
		return d.host.FindNextExtCapability(0, uint32(id.capID()))
	}
	return d.host.FindNextCapability(0, uint32(id.capID()))
}

// initRegister instantiates one register: run the kind-specific init to get
// the desired emulated value, reconcile it against live hardware and store
// the result in the shadow buffer.
func (d *Device) initRegister(g *RegisterGroup, reg *RegisterDescriptor) error {
	offset := g.baseOffset + reg.Offset

	data, ok, err := d.initValue(g, reg, offset)
	if err != nil {
		return err
	}
	if !ok {
		// Not applicable to this device (unused BAR, wrong MSI layout).
		return nil
	}

	live, err := d.hostRead(offset, reg.Size)
	if err != nil {
		return fmt.Errorf("reading host value: %w", err)
	}

	sizeMask := reg.sizeMask()
	hostMask := sizeMask &^ reg.EmuMask
	val := data
	if data&hostMask != live&hostMask {
		merged := live&hostMask | data&^hostMask&sizeMask
		d.log.Warn("emulated register disagrees with hardware",
			"offset", fmt.Sprintf("%#04x", offset),
			"emulated", fmt.Sprintf("%#x", data),
			"host", fmt.Sprintf("%#x", live),
			"synced", fmt.Sprintf("%#x", merged))
		val = merged
	}
	if val&^sizeMask != 0 {
		return fmt.Errorf("%w: value %#x at %#04x exceeds register size %d",
			ErrInvariant, val, offset, reg.Size)
	}

	e := &RegisterEntry{desc: reg, offset: offset}
	e.store(d, val)
	g.regs = append(g.regs, e)
	return nil
}

// FindGroup returns the register group covering address, or nil.
func (d *Device) FindGroup(address uint32) *RegisterGroup {
	for _, g := range d.groups {
		if g.baseOffset <= address && address < g.baseOffset+g.size {
			return g
		}
	}
	return nil
}

// findGroupByID returns the instantiated group with the given catalog ID.
func (d *Device) findGroupByID(id GroupID) *RegisterGroup {
	for _, g := range d.groups {
		if g.desc.ID == id {
			return g
		}
	}
	return nil
}

// BAR returns the fixed classification of BAR index (6 = expansion ROM).
func (d *Device) BAR(index int) BARClass {
	if index < 0 || index >= pciNumRegions {
		return BARUnused
	}
	return d.bars[index]
}

// Close tears the model down in reverse dependency order: MSI-X resources
// are released before the groups that reference them are dropped. Safe to
// call on a partially built device.
func (d *Device) Close() {
	if d.msix != nil {
		if err := d.intr.UnmapMSIX(); err != nil {
			d.log.Warn("msix unmap failed", "err", err)
		}
		d.msix = nil
	}
	d.msi = nil
	d.groups = nil
}

// hostRead reads a live hardware value at the given width.
func (d *Device) hostRead(pos uint32, size uint8) (uint32, error) {
	switch size {
	case 1:
		v, err := d.host.ReadByte(pos)
		return uint32(v), err
	case 2:
		v, err := d.host.ReadWord(pos)
		return uint32(v), err
	case 4:
		return d.host.ReadLong(pos)
	default:
		return 0, fmt.Errorf("%w: bad register size %d", ErrInvariant, size)
	}
}

// hostWrite writes a live hardware value at the given width.
func (d *Device) hostWrite(pos uint32, size uint8, v uint32) error {
	switch size {
	case 1:
		return d.host.WriteByte(pos, uint8(v))
	case 2:
		return d.host.WriteWord(pos, uint16(v))
	case 4:
		return d.host.WriteLong(pos, v)
	default:
		return fmt.Errorf("%w: bad register size %d", ErrInvariant, size)
	}
}
