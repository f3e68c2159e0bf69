package bnsim

// address.go assigns IPv4 addresses to devices, one subnet per link

import (
	"fmt"
	"net/netip"
)

// AddressHelper hands out consecutive host addresses from one subnet
type AddressHelper struct {
	prefix netip.Prefix
	nxt    netip.Addr
}

// CreateAddressHelper is a constructor. base is the network address and mask
// its dotted-quad netmask, e.g. ("10.1.1.0", "255.255.255.0").
func CreateAddressHelper(base, mask string) (*AddressHelper, error) {
	ah := new(AddressHelper)
	if err := ah.SetBase(base, mask); err != nil {
		return nil, err
	}
	return ah, nil
}

// SetBase restarts the helper on a new subnet
func (ah *AddressHelper) SetBase(base, mask string) error {
	addr, err := netip.ParseAddr(base)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("invalid IPv4 network address %q", base)
	}
	bits, err := maskBits(mask)
	if err != nil {
		return err
	}
	prefix := netip.PrefixFrom(addr, bits)
	if prefix.Masked().Addr() != addr {
		return fmt.Errorf("%s is not the network address of %s", base, prefix.Masked())
	}
	ah.prefix = prefix
	ah.nxt = addr.Next()
	return nil
}

// maskBits converts a dotted-quad netmask into a prefix length
func maskBits(mask string) (int, error) {
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("invalid IPv4 netmask %q", mask)
	}
	as4 := addr.As4()
	word := uint32(as4[0])<<24 | uint32(as4[1])<<16 | uint32(as4[2])<<8 | uint32(as4[3])
	bits := 0
	for word&(1<<31) != 0 {
		bits += 1
		word <<= 1
	}
	if word != 0 {
		return 0, fmt.Errorf("netmask %q is not contiguous", mask)
	}
	return bits, nil
}

// Prefix returns the subnet the helper assigns from
func (ah *AddressHelper) Prefix() netip.Prefix {
	return ah.prefix
}

// Assign gives each device of the container the next free host address of the subnet
func (ah *AddressHelper) Assign(devs DeviceContainer) (InterfaceContainer, error) {
	ic := InterfaceContainer{}
	for idx, dev := range devs {
		if dev.addr.IsValid() {
			return ic, fmt.Errorf("device %s already has address %s", dev.name, dev.addr)
		}
		addr := ah.nxt
		// the last address of the subnet is its broadcast address
		if !ah.prefix.Contains(addr) || !ah.prefix.Contains(addr.Next()) {
			return ic, fmt.Errorf("subnet %s exhausted", ah.prefix)
		}
		dev.addr = addr
		dev.prefix = ah.prefix
		ah.nxt = addr.Next()
		ic[idx] = Interface{Device: dev, Address: addr}
	}
	return ic, nil
}

// Interface pairs a device with the address assigned to it
type Interface struct {
	Device  *NetDevice
	Address netip.Addr
}

// InterfaceContainer holds the two interfaces of an addressed point-to-point link
type InterfaceContainer [2]Interface

// Address returns the address of the interface at index idx (0 or 1)
func (ic InterfaceContainer) Address(idx int) netip.Addr {
	return ic[idx].Address
}

// Prefix returns the subnet the container's addresses were assigned from
func (ic InterfaceContainer) Prefix() netip.Prefix {
	return ic[0].Device.prefix
}
