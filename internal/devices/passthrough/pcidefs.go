package passthrough

// Standard PCI configuration space layout (type 0 header).
const (
	pciVendorID      = 0x00
	pciDeviceID      = 0x02
	pciCommand       = 0x04
	pciStatus        = 0x06
	pciCacheLineSize = 0x0c
	pciLatencyTimer  = 0x0d
	pciHeaderType    = 0x0e
	pciBaseAddress0  = 0x10
	pciCapabilityPtr = 0x34
	pciROMAddress    = 0x30
	pciInterruptLine = 0x3c
	pciInterruptPin  = 0x3d

	pciROMAddressEnable = 0x00000001
	pciROMAddressMask   = 0xfffff800

	pciStatusCapList      = 0x0010
	pciCommandIntxDisable = 0x0400

	pciCapListID   = 0
	pciCapListNext = 1

	pciConfigSpaceSize    = 0x100
	pcieConfigSpaceSize   = 0x1000
	pciNumBARs            = 6
	pciROMSlot            = 6
	pciNumRegions         = 7
	pciHeaderGroupSize    = 0x40
	pciExtCapOffsetIntact = 0xfff
)

// Legacy capability IDs.
const (
	capIDPM     = 0x01
	capIDAGP    = 0x02
	capIDVPD    = 0x03
	capIDSlotID = 0x04
	capIDMSI    = 0x05
	capIDPCIX   = 0x07
	capIDVendor = 0x09
	capIDSHPC   = 0x0c
	capIDSSVID  = 0x0d
	capIDAGP3   = 0x0e
	capIDExp    = 0x10
	capIDMSIX   = 0x11
)

// PCIe extended capability IDs.
const (
	extCapIDErr       = 0x01
	extCapIDVC        = 0x02
	extCapIDDSN       = 0x03
	extCapIDPwr       = 0x04
	extCapIDRCLD      = 0x05
	extCapIDRCILC     = 0x06
	extCapIDRCEC      = 0x07
	extCapIDMFVC      = 0x08
	extCapIDVC9       = 0x09
	extCapIDRCRB      = 0x0a
	extCapIDVendor    = 0x0b
	extCapIDCAC       = 0x0c
	extCapIDACS       = 0x0d
	extCapIDARI       = 0x0e
	extCapIDATS       = 0x0f
	extCapIDSRIOV     = 0x10
	extCapIDMulticast = 0x12
	extCapIDPRI       = 0x13
	extCapIDRebar     = 0x15
	extCapIDDPA       = 0x16
	extCapIDTPH       = 0x17
	extCapIDLTR       = 0x18
	extCapIDSecPCI    = 0x19
	extCapIDPMUX      = 0x1a
	extCapIDPASID     = 0x1b
	extCapIDLNR       = 0x1c
	extCapIDDPC       = 0x1d
	extCapIDL1SS      = 0x1e
	extCapIDPTM       = 0x1f
	extCapIDMPCIe     = 0x20
	extCapIDFRS       = 0x21
	extCapIDRTR       = 0x22
)

// MSI capability layout.
const (
	pciMSIFlags     = 2
	pciMSIAddressLo = 4
	pciMSIAddressHi = 8
	pciMSIData32    = 8
	pciMSIData64    = 12
	pciMSIMask32    = 12
	pciMSIMask64    = 16
	pciMSIPending32 = pciMSIMask32 + 4
	pciMSIPending64 = pciMSIMask64 + 4

	pciMSIFlagsEnable  = 0x0001
	pciMSIFlagsQMask   = 0x000e
	pciMSIFlagsQSize   = 0x0070
	pciMSIFlags64Bit   = 0x0080
	pciMSIFlagsMaskBit = 0x0100
)

// MSI-X capability layout.
const (
	pciMSIXFlags  = 2
	pciMSIXTable  = 4
	pciMSIXPBA    = 8
	pciMSIXSizeof = 0x0c

	pciMSIXFlagsEnable  = 0x8000
	pciMSIXFlagsMaskAll = 0x4000
	pciMSIXFlagsQSize   = 0x07ff
	pciMSIXBIRMask      = 0x0007
)

// PCI Express capability layout.
const (
	pciExpFlags   = 2
	pciExpDevCap  = 4
	pciExpDevCtl  = 8
	pciExpDevSta  = 10
	pciExpLnkCap  = 12
	pciExpLnkCtl  = 16
	pciExpLnkSta  = 18
	pciExpDevCap2 = 36
	pciExpDevCtl2 = 0x28
	pciExpLnkCtl2 = 0x30

	pciExpFlagsVers = 0x000f
	pciExpFlagsType = 0x00f0

	pciExpLnkCapSLS = 0x0000000f
)

// PCIe device/port types (PCI_EXP_FLAGS_TYPE >> 4).
const (
	pcieTypeEndpoint   = 0x0
	pcieTypeLegacyEnd  = 0x1
	pcieTypeRootPort   = 0x4
	pcieTypeUpstream   = 0x5
	pcieTypeDownstream = 0x6
	pcieTypePCIBridge  = 0x7
	pcieTypePCIeBridge = 0x8
	pcieTypeRCEnd      = 0x9
	pcieTypeRCEC       = 0xa
)

// Extended capability header decode. The dword at the capability base holds
// the 16-bit ID, a 4-bit version and a 12-bit next pointer.
func extCapHeaderID(header uint32) uint16   { return uint16(header & 0xffff) }
func extCapHeaderNext(header uint32) uint32 { return (header >> 20) & 0xffc }

const (
	extCapNextShift = 4
	extCapVerMask   = 0xf
)

// Power Management capability layout.
const (
	pciPMCapabilities = 2
	pciPMCtrl         = 4
	pciPMSizeof       = 8
)

// Vital Product Data capability layout.
const pciVPDAddr = 2

// Vendor-specific extended capability header (dword at +4 packs the length
// in bits 20..31).
const pciVndrHeader = 4

func vndrHeaderLen(header uint32) uint32 { return (header >> 20) & 0xfff }

// Sizing-related extended capability fields.
const (
	pciErrCap              = 0x18
	pciErrCapTLPPrefixLog  = 1 << 11
	pciDevCap2EETLPPrefix  = 1 << 21
	pciACSCap              = 4
	pciACSEgressCtl        = 0x20
	pciACSEgressCtlV       = 8
	pciDPACap              = 4
	pciDPACapSubstateMask  = 0x1f
	pciDPABaseSizeof       = 0x10
	pciTPHCap              = 4
	pciTPHCapLocMask       = 0x600
	pciTPHLocCap           = 0x200
	pciTPHCapSTMask        = 0x07ff0000
	pciTPHCapSTShift       = 16
	pciTPHBaseSizeof       = 0xc
	pciExpDPCCap           = 4
	pciExpDPCCapRPExt      = 0x0020
	pciExpDPCRPPIOLogSize  = 0x0f00
	pciRebarCtrl           = 8
	pciRebarCtrlNBARMask   = 0x7 << 5
	pciRebarCtrlNBARShift  = 5
	pciVCPortCap1          = 4
	pciVCPortCap2          = 8
	pciVCResCap            = 0x10
	pciVCCap1EVCC          = 0x00000007
	pciVCCap1ArbSize       = 0x00000c00
	pciVCBaseSizeof        = 0x10
	pciVCPerVCSizeof       = 0x0c
	pciExtCapDSNSizeof     = 0x0c
	pciExtCapPwrSizeof     = 0x10
	pciExtCapARISizeof     = 8
	pciExtCapATSSizeof     = 8
	pciExtCapSRIOVSizeof   = 0x40
	pciExtCapPRISizeof     = 0x10
	pciExtCapLTRSizeof     = 8
	pciExtCapPASIDSizeof   = 8
	pciExtCapMCEndpointLen = 0x28
)
