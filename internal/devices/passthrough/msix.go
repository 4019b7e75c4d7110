package passthrough

import "fmt"

type msixState struct {
	ctrlOffset uint32
	enabled    bool
	maskall    bool
	info       MSIXInfo
}

// msixInit parses the table and PBA placement from hardware and hands it to
// the interrupt backend. Unlike MSI setup failures this one is fatal: a
// device advertising MSI-X that cannot be mapped is not usable.
func (d *Device) msixInit(base uint32) error {
	ctrl, err := d.host.ReadWord(base + pciMSIXFlags)
	if err != nil {
		return fmt.Errorf("reading msix control: %w", err)
	}
	table, err := d.host.ReadLong(base + pciMSIXTable)
	if err != nil {
		return fmt.Errorf("reading msix table register: %w", err)
	}
	pba, err := d.host.ReadLong(base + pciMSIXPBA)
	if err != nil {
		return fmt.Errorf("reading msix pba register: %w", err)
	}

	info := MSIXInfo{
		Base:        base,
		TableSize:   int(ctrl&pciMSIXFlagsQSize) + 1,
		TableBAR:    int(table & pciMSIXBIRMask),
		TableOffset: table &^ pciMSIXBIRMask,
		PBABAR:      int(pba & pciMSIXBIRMask),
		PBAOffset:   pba &^ pciMSIXBIRMask,
	}
	if err := d.intr.InitMSIX(info); err != nil {
		return fmt.Errorf("msix backend init: %w", err)
	}
	d.msix = &msixState{info: info}
	return nil
}

func (d *Device) msixControlInit(offset uint32) (uint32, error) {
	field, err := d.host.ReadWord(offset)
	if err != nil {
		return 0, fmt.Errorf("reading msix control: %w", err)
	}
	if field&pciMSIXFlagsEnable != 0 {
		d.log.Info("msix already enabled, disabling it first")
		if err := d.host.WriteWord(offset, field&^pciMSIXFlagsEnable); err != nil {
			return 0, fmt.Errorf("disabling msix: %w", err)
		}
	}
	d.msix.ctrlOffset = offset
	return 0, nil
}

func (d *Device) msixControlWrite(e *RegisterEntry, val *uint32, devValue, valid uint32) error {
	reg := e.desc
	msix := d.msix

	writable := reg.EmuMask &^ reg.ROMask & valid
	e.store(d, mergeValue(*val, e.load(d), writable))

	*val = mergeValue(*val, devValue, d.throughableMask(reg, valid))

	if *val&pciMSIXFlagsEnable != 0 && *val&pciMSIXFlagsMaskAll == 0 {
		if err := d.intr.UpdateMSIX(); err != nil {
			d.log.Warn("msix update failed", "err", err)
		}
	} else if *val&pciMSIXFlagsEnable == 0 && msix.enabled {
		if err := d.intr.DisableMSIX(); err != nil {
			d.log.Warn("msix disable failed", "err", err)
		}
	}

	msix.maskall = *val&pciMSIXFlagsMaskAll != 0

	enabled := *val&pciMSIXFlagsEnable != 0
	if enabled != msix.enabled {
		d.log.Debug("msix state change", "enabled", enabled)
	}
	msix.enabled = enabled
	return nil
}
