package vmbox

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/metrics"
)

// ipcDoorbellRetryBudget bounds the poll-and-retry loop
// VMBOX_DEV_IPC_EVENT runs while waiting for the peer to ACK its last
// doorbell. The original C spins forever under sched() with no lock
// held — a known deadlock hazard if the peer is never scheduled; this
// port bounds the retries instead and surfaces hverr.ErrProtocol on
// exhaustion.
const ipcDoorbellRetryBudget = 4096

// HandleControllerRead implements vmbox_con_read: the controller window
// is entirely write-driven (status bits are read back by the guest
// directly off its mapped page, never through a trap), so a trapped read
// is always a guest bug.
func (r *Registry) HandleControllerRead(vmid uint32, offset uint64) (uint32, error) {
	panic(fmt.Sprintf("vmbox: trapped read from controller of vm %d at offset %#x", vmid, offset))
}

// HandleControllerWrite implements vmbox_con_write: dispatch to the
// controller-level or per-device request handler depending on offset.
func (r *Registry) HandleControllerWrite(vmid uint32, offset uint64, value uint32) error {
	r.mu.Lock()
	vc, ok := r.controllerFor(vmid)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmbox: no controller for vm %d: %w", vmid, hverr.ErrNotFound)
	}

	if offset < ConDevBase {
		return r.handleConRequest(vc, offset, value)
	}
	return r.handleDevRequest(vc, offset, value)
}

// handleConRequest implements the offset < VMBOX_CON_DEV_BASE branch of
// vmbox_con_write.
func (r *Registry) handleConRequest(vc *Controller, offset uint64, value uint32) error {
	switch offset {
	case ConOnline:
		vc.mu.Lock()
		vc.Status = true
		vc.mu.Unlock()
		r.conOnline(vc)
	case ConIntStatus:
		v := vc.readCon(ConIntStatus)
		v &^= value
		vc.writeCon(ConIntStatus, v)
	}
	return nil
}

// conOnline implements vmbox_con_online: for every declared vmbox whose
// back-end is owned by this VM, attach that back-end now that its
// controller driver is loaded.
func (r *Registry) conOnline(vc *Controller) {
	r.mu.Lock()
	boxes := make([]*Vmbox, len(r.boxes))
	copy(boxes, r.boxes)
	r.mu.Unlock()

	for _, vb := range boxes {
		if vb.Owner[beIdx] != vc.VMID {
			continue
		}
		if err := r.attachDevice(vb, vb.Devices[beIdx]); err != nil && r.log != nil {
			r.log.WithError(err).WithField("vmbox", vb.Name).Warn("vmbox backend attach failed")
		}
	}
}

// handleDevRequest implements the per-device-slot branch of
// vmbox_con_write (vmbox_handle_dev_request).
func (r *Registry) handleDevRequest(vc *Controller, offset uint64, value uint32) error {
	rel := offset - ConDevBase
	devid := int(rel / ConDevSize)
	reg := uint32(rel % ConDevSize)

	if devid < 0 || devid >= maxDeviceSlots {
		return fmt.Errorf("vmbox: devid %d out of range: %w", devid, hverr.ErrInvalidArgument)
	}

	vc.mu.Lock()
	vdev := vc.devices[devid]
	vc.mu.Unlock()
	if vdev == nil {
		return fmt.Errorf("vmbox: no device at slot %d: %w", devid, hverr.ErrNotFound)
	}

	switch reg {
	case DevVringEvent:
		return r.inj.SendVirq(0, vdev.Bro.VMID, vdev.Bro.VringVirq)

	case DevIPCEvent:
		return r.handleIPCEvent(vdev, value)

	case DevIPCAck:
		vdev.regWrite(DevIPCType, 0)
		return nil

	case DevBackendOnline:
		if !vdev.IsBackend {
			return nil
		}
		r.mu.Lock()
		vb, ok := r.vmboxByID(vdev.VmboxID)
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("vmbox: unknown vmbox id %d: %w", vdev.VmboxID, hverr.ErrNotFound)
		}
		return r.attachDevice(vb, vdev.Bro)

	default:
		if r.log != nil {
			r.log.WithField("reg", reg).Warn("vmbox: unsupported device register write")
		}
		return nil
	}
}

// handleIPCEvent implements the VMBOX_DEV_IPC_EVENT branch: publish a
// typed doorbell to the peer, deduplicating a repeat of the still-unacked
// payload and bounding the poll-and-retry wait instead of spinning
// forever.
func (r *Registry) handleIPCEvent(vdev *Device, value uint32) error {
	if !vdev.IsBackend && vdev.State != DeviceOnline {
		return nil
	}

	for attempt := 0; attempt < ipcDoorbellRetryBudget; attempt++ {
		pending := vdev.Bro.regRead(DevIPCType)
		switch pending {
		case 0:
			vdev.Bro.regWrite(DevIPCType, value)
			err := r.inj.SendVirq(0, vdev.Bro.VMID, vdev.Bro.IPCVirq)
			metrics.VmboxIPCDoorbell.WithLabelValues("published").Inc()
			return err
		case value:
			metrics.VmboxIPCDoorbell.WithLabelValues("deduplicated").Inc()
			return nil
		default:
			runtime.Gosched()
		}
	}

	metrics.VmboxIPCDoorbell.WithLabelValues("exhausted").Inc()
	if r.log != nil {
		r.log.WithFields(logrus.Fields{"vmid": vdev.VMID, "value": value}).
			Warn("vmbox ipc doorbell retry budget exhausted")
	}
	return fmt.Errorf("vmbox: ipc doorbell retry budget exhausted: %w", hverr.ErrProtocol)
}
