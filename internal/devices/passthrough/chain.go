package passthrough

import "fmt"

// Hop bounds protect the build pass against looped or corrupt capability
// chains. 480 is the extended space divided by the minimum aligned header
// stride.
const (
	maxLegacyCapHops = 48
	maxExtCapHops    = (pcieConfigSpaceSize - pciConfigSpaceSize) / 8
)

func findDescriptor(id GroupID) *GroupDescriptor {
	for i := range registerGroups {
		if registerGroups[i].ID == id {
			return &registerGroups[i]
		}
	}
	return nil
}

// capPointerInit resolves the guest-visible value of a capability pointer:
// the first capability in the real chain that is modeled, emulated and not
// hidden. Unknown, hidden and hardwired capabilities are spliced out.
func (d *Device) capPointerInit(offset uint32) (uint32, error) {
	ptr, err := d.host.ReadByte(offset)
	if err != nil {
		return 0, fmt.Errorf("reading capability pointer: %w", err)
	}
	for hops := 0; ptr != 0 && hops < maxLegacyCapHops; hops++ {
		capID, err := d.host.ReadByte(uint32(ptr) + pciCapListID)
		if err != nil {
			return 0, fmt.Errorf("reading capability at %#x: %w", ptr, err)
		}
		grp := findDescriptor(GroupID(capID))
		if grp != nil && grp.Kind == GroupEmulated && !d.hidden(grp.ID) {
			break
		}
		next, err := d.host.ReadByte(uint32(ptr) + pciCapListNext)
		if err != nil {
			return 0, fmt.Errorf("reading next pointer at %#x: %w", ptr, err)
		}
		ptr = next
	}
	return uint32(ptr), nil
}

// extCapIDInit keeps the hardware capability ID, except for a hidden
// capability anchoring the extended chain: that one cannot be unlinked, so
// it gets a manufactured ID nothing will claim while its next pointer stays
// live and its body reads as zero.
func (d *Device) extCapIDInit(g *RegisterGroup, offset uint32) (uint32, error) {
	field, err := d.host.ReadWord(offset)
	if err != nil {
		return 0, fmt.Errorf("reading extended capability id: %w", err)
	}
	if g.hardwired && g.baseOffset == pciConfigSpaceSize {
		field = d.scan.fakeCapID
		d.scan.fakeCapID++
	}
	return uint32(field), nil
}

// extCapPointerInit is the extended-space splice walk. The next pointer
// lives in the top 12 bits of the word; the version field below it is
// preserved untouched.
func (d *Device) extCapPointerInit(offset uint32) (uint32, error) {
	if offset < pciConfigSpaceSize {
		return 0, fmt.Errorf("%w: extended capability pointer at %#04x", ErrInvariant, offset)
	}
	field, err := d.host.ReadWord(offset)
	if err != nil {
		return 0, fmt.Errorf("reading extended next pointer: %w", err)
	}

	version := uint32(field) & extCapVerMask
	cur := uint32(field) >> extCapNextShift

	for hops := 0; cur != 0 && cur != pciExtCapOffsetIntact && hops < maxExtCapHops; hops++ {
		header, err := d.host.ReadLong(cur)
		if err != nil {
			return 0, fmt.Errorf("reading extended capability at %#x: %w", cur, err)
		}
		grp := findDescriptor(ExtCap(extCapHeaderID(header)))
		if grp != nil && grp.Kind == GroupEmulated && !d.hidden(grp.ID) {
			break
		}
		cur = extCapHeaderNext(header)
	}
	return cur<<extCapNextShift | version, nil
}
