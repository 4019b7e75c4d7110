package passthrough

// RegisterKind selects the init/read/write behavior of an emulated register.
// Dispatch happens in a single switch per operation so the compiler keeps the
// set of behaviors in one place instead of scattering function pointers
// through the catalog.
type RegisterKind int

const (
	// KindSimple uses the declared initial value and the generic merge
	// engine for both directions.
	KindSimple RegisterKind = iota
	KindVendorID
	KindDeviceID
	KindCommand
	KindCapPointer
	KindStatus
	KindHeaderType
	KindInterruptPin
	KindBAR
	KindExpansionROMBAR
	KindPCIeCapabilities
	KindLinkControl
	KindDevControl2
	KindLinkControl2
	KindMSIControl
	KindMSIAddressLo
	KindMSIAddressHi
	KindMSIData
	KindMSIMask
	KindMSIPending
	KindMSIXControl
	KindVendorOpregion
	KindExtCapID
	KindExtCapPointer
)

// RegisterDescriptor is the static description of one emulated register.
// The four masks classify every bit of the register: emulated bits live in
// the shadow copy, read-only bits ignore guest writes, reserved bits are
// blocked unless the device is permissive, and write-1-to-clear bits are
// stripped from the hardware value before a write-back so a merge never
// clears a latched status bit by accident.
type RegisterDescriptor struct {
	Offset   uint32
	Size     uint8 // 1, 2 or 4 bytes
	InitVal  uint32
	ResMask  uint32
	ROMask   uint32
	RW1CMask uint32
	EmuMask  uint32
	Kind     RegisterKind
}

func (r *RegisterDescriptor) sizeMask() uint32 {
	return 0xffffffff >> ((4 - uint32(r.Size)) * 8)
}

// GroupKind classifies a register group. Emulated groups intercept their
// registers; hardwired groups read as zero and drop writes (only the header
// of a hidden extended capability sitting at the base of extended config
// space keeps live registers, so the guest still sees a well formed chain).
type GroupKind int

const (
	GroupEmulated GroupKind = iota
	GroupHardwired
)

// SizeStrategy selects how a group's emulated size is computed at build
// time. SizeFixed uses the catalog constant; everything else issues
// read-only queries against the real device.
type SizeStrategy int

const (
	SizeFixed SizeStrategy = iota
	SizeVendor
	SizeExtVendor
	SizeMSI
	SizeMSIX
	SizePCIe
	SizeAER
	SizeRCLD
	SizeACS
	SizeMulticast
	SizeDPA
	SizeTPH
	SizeDPC
	SizePMUX
	SizeRebar
	SizeVChan
)

// GroupID names a register group. Legacy capability IDs are used as-is;
// extended capability IDs carry a tag bit so the two namespaces never
// collide. Two pseudo-IDs cover the mandatory type 0 header and the IGD
// opregion window.
type GroupID uint32

const groupIDExtCap GroupID = 1 << 16

// ExtCap tags an extended capability ID.
func ExtCap(id uint16) GroupID { return GroupID(id) | groupIDExtCap }

func (id GroupID) isExtCap() bool { return id&groupIDExtCap != 0 }
func (id GroupID) capID() uint16  { return uint16(id &^ groupIDExtCap) }

const (
	// GroupIDHeader is the pseudo-ID of the mandatory type 0 header region.
	GroupIDHeader GroupID = 0xff
	// GroupIDIGDOpregion is the pseudo-ID (and fixed offset) of the Intel
	// IGD opregion window.
	GroupIDIGDOpregion GroupID = 0xfc
)

// GroupDescriptor is the static description of one register group.
type GroupDescriptor struct {
	ID           GroupID
	Kind         GroupKind
	Size         uint32
	SizeStrategy SizeStrategy
	Registers    []RegisterDescriptor
}

// headerRegs emulates the type 0 header. The Status register derives its
// capability-list bit from the emulated Capabilities Pointer, so it must be
// declared after it; registers are initialized in declaration order.
var headerRegs = []RegisterDescriptor{
	{Offset: pciVendorID, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindVendorID},
	{Offset: pciDeviceID, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindDeviceID},
	{Offset: pciCommand, Size: 2, ResMask: 0xf880, EmuMask: 0x0743, Kind: KindCommand},
	{Offset: pciCapabilityPtr, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciStatus, Size: 2, ResMask: 0x0007, ROMask: 0x06f8, RW1CMask: 0xf900, EmuMask: 0x0010, Kind: KindStatus},
	{Offset: pciCacheLineSize, Size: 1, EmuMask: 0xff, Kind: KindSimple},
	{Offset: pciLatencyTimer, Size: 1, EmuMask: 0xff, Kind: KindSimple},
	{Offset: pciHeaderType, Size: 1, ROMask: 0xff, EmuMask: 0x80, Kind: KindHeaderType},
	{Offset: pciInterruptLine, Size: 1, EmuMask: 0xff, Kind: KindSimple},
	{Offset: pciInterruptPin, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindInterruptPin},
	{Offset: pciBaseAddress0, Size: 4, Kind: KindBAR},
	{Offset: pciBaseAddress0 + 4, Size: 4, Kind: KindBAR},
	{Offset: pciBaseAddress0 + 8, Size: 4, Kind: KindBAR},
	{Offset: pciBaseAddress0 + 12, Size: 4, Kind: KindBAR},
	{Offset: pciBaseAddress0 + 16, Size: 4, Kind: KindBAR},
	{Offset: pciBaseAddress0 + 20, Size: 4, Kind: KindBAR},
	{Offset: pciROMAddress, Size: 4, ROMask: ^uint32(pciROMAddressMask) &^ pciROMAddressEnable,
		EmuMask: pciROMAddressMask, Kind: KindExpansionROMBAR},
}

var pmRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciPMCapabilities, Size: 2, ROMask: 0xffff, EmuMask: 0xf9c8, Kind: KindSimple},
	{Offset: pciPMCtrl, Size: 2, InitVal: 0x0008, ResMask: 0x00f0, ROMask: 0x610c, RW1CMask: 0x8000, EmuMask: 0x810b, Kind: KindSimple},
}

var vpdRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciVPDAddr, Size: 2, ROMask: 0x0003, EmuMask: 0x0003, Kind: KindSimple},
}

var vendorRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
}

var pcieRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciExpFlags, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindPCIeCapabilities},
	{Offset: pciExpDevCap, Size: 4, ROMask: 0xffffffff, EmuMask: 0x10000000, Kind: KindSimple},
	{Offset: pciExpDevCtl, Size: 2, InitVal: 0x2810, ROMask: 0x8400, EmuMask: 0xffff, Kind: KindSimple},
	{Offset: pciExpDevSta, Size: 2, ResMask: 0xffc0, ROMask: 0x0030, RW1CMask: 0x000f, Kind: KindSimple},
	{Offset: pciExpLnkCtl, Size: 2, ROMask: 0xfc34, EmuMask: 0xffff, Kind: KindLinkControl},
	{Offset: pciExpLnkSta, Size: 2, ROMask: 0x3fff, RW1CMask: 0xc000, Kind: KindSimple},
	{Offset: pciExpDevCtl2, Size: 2, ROMask: 0xffe0, EmuMask: 0xffff, Kind: KindDevControl2},
	{Offset: pciExpLnkCtl2, Size: 2, ROMask: 0xe040, EmuMask: 0xffff, Kind: KindLinkControl2},
}

var msiRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciMSIFlags, Size: 2, ResMask: 0xfe00, ROMask: 0x018e, EmuMask: 0x017e, Kind: KindMSIControl},
	{Offset: pciMSIAddressLo, Size: 4, ROMask: 0x00000003, EmuMask: 0xffffffff, Kind: KindMSIAddressLo},
	{Offset: pciMSIAddressHi, Size: 4, EmuMask: 0xffffffff, Kind: KindMSIAddressHi},
	// Message Data appears at one of two offsets depending on whether the
	// capability is 64-bit; the init hook drops the entry that does not
	// match the hardware layout.
	{Offset: pciMSIData32, Size: 2, EmuMask: 0xffff, Kind: KindMSIData},
	{Offset: pciMSIData64, Size: 2, EmuMask: 0xffff, Kind: KindMSIData},
	{Offset: pciMSIMask32, Size: 4, ROMask: 0xffffffff, EmuMask: 0xffffffff, Kind: KindMSIMask},
	{Offset: pciMSIMask64, Size: 4, ROMask: 0xffffffff, EmuMask: 0xffffffff, Kind: KindMSIMask},
	{Offset: pciMSIPending32, Size: 4, ROMask: 0xffffffff, Kind: KindMSIPending},
	{Offset: pciMSIPending64, Size: 4, ROMask: 0xffffffff, Kind: KindMSIPending},
}

var msixRegs = []RegisterDescriptor{
	{Offset: pciCapListNext, Size: 1, ROMask: 0xff, EmuMask: 0xff, Kind: KindCapPointer},
	{Offset: pciMSIXFlags, Size: 2, ResMask: 0x3800, ROMask: 0x07ff, Kind: KindMSIXControl},
}

var igdOpregionRegs = []RegisterDescriptor{
	{Offset: 0, Size: 4, EmuMask: 0xffffffff, Kind: KindVendorOpregion},
}

// extVendorRegs emulates the vendor-specific extended capability header plus
// its packed length dword.
var extVendorRegs = []RegisterDescriptor{
	{Offset: 0, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindExtCapID},
	{Offset: 2, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindExtCapPointer},
	{Offset: pciVndrHeader, Size: 4, ROMask: 0xffffffff, Kind: KindSimple},
}

// extHeaderRegs emulates only the ID and next pointer of an extended
// capability so hidden groups can be spliced out of the chain.
var extHeaderRegs = []RegisterDescriptor{
	{Offset: 0, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindExtCapID},
	{Offset: 2, Size: 2, ROMask: 0xffff, EmuMask: 0xffff, Kind: KindExtCapPointer},
}

// registerGroups is the process-wide catalog. It is never mutated at
// runtime; per-build state (such as the fake capability ID counter) lives in
// the scan context instead.
var registerGroups = []GroupDescriptor{
	{ID: GroupIDHeader, Kind: GroupEmulated, Size: pciHeaderGroupSize, Registers: headerRegs},
	{ID: capIDPM, Kind: GroupEmulated, Size: pciPMSizeof, Registers: pmRegs},
	{ID: capIDAGP, Kind: GroupHardwired, Size: 0x30},
	{ID: capIDVPD, Kind: GroupEmulated, Size: 0x08, Registers: vpdRegs},
	{ID: capIDSlotID, Kind: GroupHardwired, Size: 0x04},
	{ID: capIDMSI, Kind: GroupEmulated, SizeStrategy: SizeMSI, Registers: msiRegs},
	{ID: capIDPCIX, Kind: GroupHardwired, Size: 0x18},
	{ID: capIDVendor, Kind: GroupEmulated, SizeStrategy: SizeVendor, Registers: vendorRegs},
	{ID: capIDSHPC, Kind: GroupHardwired, Size: 0x08},
	{ID: capIDSSVID, Kind: GroupHardwired, Size: 0x08},
	{ID: capIDAGP3, Kind: GroupHardwired, Size: 0x30},
	{ID: capIDExp, Kind: GroupEmulated, SizeStrategy: SizePCIe, Registers: pcieRegs},
	{ID: capIDMSIX, Kind: GroupEmulated, Size: pciMSIXSizeof, SizeStrategy: SizeMSIX, Registers: msixRegs},
	{ID: GroupIDIGDOpregion, Kind: GroupEmulated, Size: 0x4, Registers: igdOpregionRegs},

	{ID: ExtCap(extCapIDVendor), Kind: GroupEmulated, SizeStrategy: SizeExtVendor, Registers: extVendorRegs},
	{ID: ExtCap(extCapIDDSN), Kind: GroupEmulated, Size: pciExtCapDSNSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDPwr), Kind: GroupEmulated, Size: pciExtCapPwrSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRCLD), Kind: GroupEmulated, SizeStrategy: SizeRCLD, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRCILC), Kind: GroupEmulated, Size: 0x0c, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRCEC), Kind: GroupEmulated, Size: 0x08, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRCRB), Kind: GroupEmulated, Size: 0x14, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDCAC), Kind: GroupEmulated, Size: 0x08, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDARI), Kind: GroupEmulated, Size: pciExtCapARISizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDATS), Kind: GroupEmulated, Size: pciExtCapATSSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDSRIOV), Kind: GroupEmulated, Size: pciExtCapSRIOVSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDPRI), Kind: GroupEmulated, Size: pciExtCapPRISizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDLTR), Kind: GroupEmulated, Size: pciExtCapLTRSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDSecPCI), Kind: GroupEmulated, Size: 0x10, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDPASID), Kind: GroupEmulated, Size: pciExtCapPASIDSizeof, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDL1SS), Kind: GroupEmulated, Size: 0x10, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDPTM), Kind: GroupEmulated, Size: 0x0c, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDMPCIe), Kind: GroupEmulated, Size: 0x1c, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDLNR), Kind: GroupEmulated, Size: 0x08, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDFRS), Kind: GroupEmulated, Size: 0x10, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRTR), Kind: GroupEmulated, Size: 0x0c, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDErr), Kind: GroupEmulated, SizeStrategy: SizeAER, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDACS), Kind: GroupEmulated, SizeStrategy: SizeACS, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDMulticast), Kind: GroupEmulated, SizeStrategy: SizeMulticast, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDDPA), Kind: GroupEmulated, SizeStrategy: SizeDPA, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDTPH), Kind: GroupEmulated, SizeStrategy: SizeTPH, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDPMUX), Kind: GroupEmulated, SizeStrategy: SizePMUX, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDDPC), Kind: GroupEmulated, SizeStrategy: SizeDPC, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDRebar), Kind: GroupHardwired, SizeStrategy: SizeRebar, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDVC), Kind: GroupEmulated, SizeStrategy: SizeVChan, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDVC9), Kind: GroupEmulated, SizeStrategy: SizeVChan, Registers: extHeaderRegs},
	{ID: ExtCap(extCapIDMFVC), Kind: GroupEmulated, SizeStrategy: SizeVChan, Registers: extHeaderRegs},
}

// Catalog returns the static register group catalog.
func Catalog() []GroupDescriptor { return registerGroups }
