package vmbox

import "fmt"

// GuestAdvertisement is the Go-native stand-in for the device-tree node
// add_vmbox_con_to_vm/vmbox_register_platdev used to write: the shape a
// DTB-writing front end (out of scope here, per the external
// collaborators list) would consume to describe a vmbox controller or
// platform-device child to the guest.
type GuestAdvertisement struct {
	Compatible string
	RegBase    uint64
	RegSize    uint64
	Interrupts []uint32
}

// Advertisement describes vc's controller node (add_vmbox_con_to_vm).
func (vc *Controller) Advertisement() GuestAdvertisement {
	return GuestAdvertisement{
		Compatible: "minos,vmbox",
		RegBase:    vc.VA,
		RegSize:    4096,
		Interrupts: []uint32{vc.Virq},
	}
}

// PlatformAdvertisement describes d's child platform-device node
// (vmbox_register_platdev), available only when the owning vmbox was
// declared with FlagPlatformDev.
func (d *Device) PlatformAdvertisement(typ string, flags uint32) (GuestAdvertisement, bool) {
	if flags&FlagPlatformDev == 0 {
		return GuestAdvertisement{}, false
	}
	return GuestAdvertisement{
		Compatible: fmt.Sprintf("minos,%s", typ),
		RegBase:    d.IOMem,
		RegSize:    d.IOMemSize,
	}, true
}
