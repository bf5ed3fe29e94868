package vmbox

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/metrics"
	"github.com/arcera-systems/armvisor/internal/mm"
)

// DeviceState mirrors VMBOX_DEV_STAT_*.
type DeviceState uint8

const (
	DeviceOffline DeviceState = iota
	DeviceOnline
)

// Device is one side (back-end or front-end) of a vmbox pairing
// (struct vmbox_device). Bro is the non-owning peer reference; the
// invariant bro.bro == self holds for the lifetime of the registry.
type Device struct {
	mu sync.Mutex

	VmboxID   int
	IsBackend bool
	VMID      uint32
	Bro       *Device

	Controller *Controller
	DevID      int // slot index within Controller, assigned at attach

	VringVirq uint32
	IPCVirq   uint32
	State     DeviceState

	IOMem     uint64
	IOMemSize uint64
}

// regRead/regWrite read or write this device's own slot window in its
// attached controller.
func (d *Device) regRead(reg uint32) uint32 {
	return d.Controller.readDevReg(d.DevID, reg)
}

func (d *Device) regWrite(reg uint32, v uint32) {
	d.Controller.writeDevReg(d.DevID, reg, v)
}

// Controller is one VM's trapped vmbox MMIO page, advertising every
// vmbox device slot attached to that VM (struct vmbox_controller).
type Controller struct {
	mu sync.Mutex

	VMID   uint32
	VA     uint64 // guest-visible base address
	Virq   uint32
	Status bool // set once the guest writes ConOnline

	devCnt  int
	devices [maxDeviceSlots]*Device

	regs [4096]byte // the controller's backing MMIO page
}

func (c *Controller) readDevReg(devid int, reg uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := ConDevBase + devid*ConDevSize + int(reg)
	return binary.LittleEndian.Uint32(c.regs[off : off+4])
}

func (c *Controller) writeDevReg(devid int, reg uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := ConDevBase + devid*ConDevSize + int(reg)
	binary.LittleEndian.PutUint32(c.regs[off:off+4], v)
}

// DevStat returns the controller's device-online bitmap. Unlike a
// guest-initiated trap (HandleControllerRead, which always panics), this
// is the hypervisor's own host-side view of the page, the same way
// __vmbox_device_online reads it with a plain ioread32.
func (c *Controller) DevStat() uint32 { return c.readCon(ConDevStat) }

// IntStatus returns the controller's pending interrupt-cause bitmap,
// host-side (see DevStat).
func (c *Controller) IntStatus() uint32 { return c.readCon(ConIntStatus) }

func (c *Controller) readCon(reg uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint32(c.regs[reg : reg+4])
}

func (c *Controller) writeCon(reg uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint32(c.regs[reg:reg+4], v)
}

// CreateController allocates vmid's one-page vmbox controller: a
// guest-visible reservation in its address space, backed by a page from
// the shared pool, plus a dedicated vIRQ for device-online notifications
// (vm_create_vmbox_controller, minus the device-tree node it used to add
// — see GuestAdvertisement).
func (r *Registry) CreateController(vmid uint32) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.controllers[vmid]; exists {
		return nil, fmt.Errorf("vmbox: vm %d already has a controller: %w", vmid, hverr.ErrInvalidArgument)
	}
	space, ok := r.spaces.Space(vmid)
	if !ok {
		return nil, fmt.Errorf("vmbox: no such vm %d: %w", vmid, hverr.ErrNotFound)
	}

	area, err := space.Reserve(mm.PageSize, mm.PageSize, mm.FlagIO|mm.FlagMapPT)
	if err != nil {
		return nil, fmt.Errorf("vmbox: reserve controller page for vm %d: %w", vmid, err)
	}

	virq, err := r.virqs.AllocVirq(vmid)
	if err != nil {
		return nil, fmt.Errorf("vmbox: alloc controller virq for vm %d: %w", vmid, err)
	}

	phys, err := r.pool.Alloc(mm.PageSize)
	if err != nil {
		return nil, fmt.Errorf("vmbox: alloc controller page for vm %d: %w", vmid, err)
	}
	space.Map(area, phys)

	vc := &Controller{VMID: vmid, VA: area.Start, Virq: virq}
	r.controllers[vmid] = vc

	if r.log != nil {
		r.log.WithFields(logrus.Fields{"vmid": vmid, "va": vc.VA, "virq": virq}).Info("vmbox controller created")
	}
	return vc, nil
}

// controllerFor implements vmbox_get_controller.
func (r *Registry) controllerFor(vmid uint32) (*Controller, bool) {
	vc, ok := r.controllers[vmid]
	return vc, ok
}

// attachDevice implements vmbox_device_attach: binds vdev to its owning
// VM's controller, reserves and maps its shared-memory window if it
// doesn't have one yet, populates its MMIO slot, and marks it online.
func (r *Registry) attachDevice(vb *Vmbox, vdev *Device) error {
	vc, ok := r.controllerFor(vdev.VMID)
	if !ok {
		return fmt.Errorf("vmbox: no controller for vm %d: %w", vdev.VMID, hverr.ErrNotFound)
	}
	vdev.Controller = vc

	vc.mu.Lock()
	devid := vc.devCnt
	vc.mu.Unlock()

	vringVirq, err := r.virqs.AllocVirq(vdev.VMID)
	if err != nil {
		return fmt.Errorf("vmbox: alloc vring virq: %w", err)
	}
	ipcVirq, err := r.virqs.AllocVirq(vdev.VMID)
	if err != nil {
		return fmt.Errorf("vmbox: alloc ipc virq: %w", err)
	}
	vdev.VringVirq, vdev.IPCVirq = vringVirq, ipcVirq

	if vdev.IOMem == 0 {
		space, ok := r.spaces.Space(vdev.VMID)
		if !ok {
			return fmt.Errorf("vmbox: no such vm %d: %w", vdev.VMID, hverr.ErrNotFound)
		}
		area, err := space.Reserve(vb.ShmemSize, mm.PageSize, mm.FlagIO|mm.FlagMapPT)
		if err != nil {
			return fmt.Errorf("vmbox: reserve shared area: %w", err)
		}
		space.Map(area, vb.ShmemBase)
		vdev.IOMem = area.Start
		vdev.IOMemSize = vb.ShmemSize
	}

	vc.mu.Lock()
	vc.devices[devid] = vdev
	vc.devCnt++
	vc.mu.Unlock()
	vdev.DevID = devid

	var deviceID uint32
	if vdev.IsBackend {
		deviceID = vb.DevID[beIdx]
	} else {
		deviceID = vb.DevID[beIdx] + 1
	}

	vc.writeDevReg(devid, DevID, uint32(devid)|DeviceMagic)
	vc.writeDevReg(devid, DevVQs, vb.VQs)
	vc.writeDevReg(devid, DevVringNum, vb.VringNum)
	vc.writeDevReg(devid, DevVringSize, vb.VringSize)
	vc.writeDevReg(devid, DevVringBaseHi, uint32(vdev.IOMem>>32))
	vc.writeDevReg(devid, DevVringBaseLow, uint32(vdev.IOMem&0xffffffff))
	vc.writeDevReg(devid, DevMemSize, uint32(vdev.IOMemSize))
	vc.writeDevReg(devid, DevDeviceID, deviceID)
	vc.writeDevReg(devid, DevVendorID, vb.DevID[feIdx])
	vc.writeDevReg(devid, DevVringIRQ, vdev.VringVirq)
	vc.writeDevReg(devid, DevIPCIRQ, vdev.IPCVirq)

	vdev.State = DeviceOnline

	r.deviceOnline(vc, devid)

	metrics.VmboxAttachTotal.WithLabelValues(metricsAttachOutcome(vdev)).Inc()
	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"vmid": vdev.VMID, "devid": devid, "backend": vdev.IsBackend, "vmbox": vb.Name,
		}).Info("vmbox device attached")
	}
	return nil
}

// deviceOnline implements __vmbox_device_online: mark devid's bit in
// DEV_STAT, and if the controller is already online, raise the
// device-online interrupt cause and inject the controller's vIRQ.
func (r *Registry) deviceOnline(vc *Controller, devid int) {
	v := vc.readCon(ConDevStat)
	v |= 1 << uint(devid)
	vc.writeCon(ConDevStat, v)

	vc.mu.Lock()
	online := vc.Status
	vc.mu.Unlock()
	if !online {
		return
	}

	vc.writeCon(ConIntStatus, vc.readCon(ConIntStatus)|ConIntTypeDevOnline)
	if err := r.inj.SendVirq(0, vc.VMID, vc.Virq); err != nil && r.log != nil {
		r.log.WithError(err).WithField("vmid", vc.VMID).Warn("vmbox controller virq injection failed")
	}
}
