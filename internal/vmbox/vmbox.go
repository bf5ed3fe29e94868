// Package vmbox implements the inter-VM mailbox transport: a
// per-VM controller MMIO device advertising paired back-end/front-end
// devices backed by shared memory, modeled on virtio-style rings.
//
// The controller's register layout and the attach protocol below are a
// direct generalization of create_vmbox/vmbox_device_attach/
// vmbox_con_write from the hypervisor this core was ported from, with
// the device-tree plumbing replaced by a Go-native GuestAdvertisement
// value and the stage-2 mapping replaced by the mm package.
package vmbox

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/mm"
)

// MaxCount bounds how many vmbox pairings the registry tracks, mirroring
// VMBOX_MAX_COUNT.
const MaxCount = 16

// beIdx/feIdx index Vmbox.Owner/DevID/Devices, matching BE_IDX/FE_IDX.
const (
	beIdx = 0
	feIdx = 1
)

// FlagPlatformDev mirrors VMBOX_F_PLATFORM_DEV: the device is advertised
// to the guest as its own platform device node rather than purely
// through the controller's device table.
const FlagPlatformDev uint32 = 1 << 0

// Info declares one vmbox pairing (the vmbox-* device-tree properties,
// or their YAML-config equivalent).
type Info struct {
	Owner     [2]uint32 // BE vmid, FE vmid
	DevID     [2]uint32 // dev_id, vendor_id
	Type      string    // ≤ 31 chars
	VQs       uint32
	VringNum  uint32
	VringSize uint32
	ShmemSize uint64 // 0 means "compute from vring geometry"
	Flags     uint32
}

// Vmbox is one back-end/front-end pairing (struct vmbox).
type Vmbox struct {
	ID        int
	Owner     [2]uint32
	DevID     [2]uint32
	Name      string
	VQs       uint32
	VringNum  uint32
	VringSize uint32
	Flags     uint32
	ShmemSize uint64
	ShmemBase uint64 // opaque physical token returned by the SharedMemoryPool
	Devices   [2]*Device
}

// Injector is the subset of the virq core a vmbox registry needs: the
// ability to raise a guest-owned vIRQ (send_virq_to_vm).
type Injector interface {
	SendVirq(senderPCPU int, vmid, vno uint32) error
}

// VirqAllocator hands out guest vIRQ numbers (alloc_vm_virq).
type VirqAllocator interface {
	AllocVirq(vmid uint32) (uint32, error)
}

// MemorySpace is the subset of mm.Space an attach needs: reserve a
// guest-physical range and record what backs it.
type MemorySpace interface {
	Reserve(size, align uint64, flags mm.AreaFlags) (*mm.Area, error)
	ReserveAt(start, size uint64, flags mm.AreaFlags) (*mm.Area, error)
	Map(area *mm.Area, physBase uint64)
}

// MemorySpaceLookup resolves a VM's address space by id, and doubles as
// the "does this VM exist" check get_vm_by_id performs in create_vmbox.
type MemorySpaceLookup interface {
	Space(vmid uint32) (MemorySpace, bool)
}

// SharedMemoryPool allocates the page-granular backing that a vmbox's
// shared region is mapped to (get_io_pages/get_io_page). The returned
// token is opaque to vmbox; it is only ever handed back to MemorySpace.Map.
type SharedMemoryPool interface {
	Alloc(size uint64) (physBase uint64, err error)
}

// HookOps is the (all-optional) callback set one vmbox "type" name may
// register (vmbox_hook_ops): vmbox_init runs once at creation,
// vmbox_be_init/vmbox_fe_init run once per VM that owns a paired device
// as that VM's vmbox devices are walked.
type HookOps struct {
	VmboxInit   func(vb *Vmbox)
	VmboxBEInit func(vmid uint32, vb *Vmbox, be *Device)
	VmboxFEInit func(vmid uint32, vb *Vmbox, fe *Device)
}

// Registry owns every declared vmbox pairing and controller, playing the
// role of the static vmboxs[]/vmbox_con_list/vmbox_hook_list globals.
type Registry struct {
	mu  sync.Mutex
	log *logrus.Entry

	inj    Injector
	virqs  VirqAllocator
	spaces MemorySpaceLookup
	pool   SharedMemoryPool

	boxes       []*Vmbox
	controllers map[uint32]*Controller
	hooks       map[string]HookOps
}

// NewRegistry builds an empty vmbox registry.
func NewRegistry(inj Injector, virqs VirqAllocator, spaces MemorySpaceLookup, pool SharedMemoryPool, log *logrus.Entry) *Registry {
	return &Registry{
		inj:         inj,
		virqs:       virqs,
		spaces:      spaces,
		pool:        pool,
		log:         log,
		controllers: make(map[uint32]*Controller),
		hooks:       make(map[string]HookOps),
	}
}

// RegisterHook registers ops under name (register_vmbox_hook). At most
// one hook per name; re-registering the same name fails.
func (r *Registry) RegisterHook(name string, ops HookOps) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("vmbox: hook %q already registered: %w", name, hverr.ErrInvalidArgument)
	}
	r.hooks[name] = ops
	return nil
}

func (r *Registry) findHook(name string) (HookOps, bool) {
	h, ok := r.hooks[name]
	return h, ok
}

// vringDescSize/vringAvailSize/vringUsedSize/vringSize replicate
// vmbox_virtq_vring_{desc,avail,used,}_size: each ring component's size,
// rounded up to align.
func vringDescSize(qsz uint32, align uint64) uint64 {
	const descEntry = 16 // sizeof(struct vring_desc): addr(8)+len(4)+flags(2)+next(2)
	return alignUp(uint64(descEntry)*uint64(qsz), align)
}

func vringAvailSize(qsz uint32, align uint64) uint64 {
	return alignUp(2*(3+uint64(qsz)), align)
}

func vringUsedSize(qsz uint32, align uint64) uint64 {
	const usedElem = 8 // sizeof(struct vring_used_elem): id(4)+len(4)
	return alignUp(2*2+usedElem*(uint64(qsz)+1), align)
}

func vringSize(qsz uint32, align uint64) uint64 {
	return vringDescSize(qsz, align) + vringAvailSize(qsz, align) + vringUsedSize(qsz, align)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// vringAlign is the alignment each vring component and the overall
// header region round up to (VMBOX_VRING_ALGIN_SIZE).
const vringAlign = 16

// iomemHeaderSize is get_vmbox_iomem_header_size: the fixed per-vmbox
// IPC header plus one vring's worth of desc/avail/used rings per queue.
func iomemHeaderSize(info Info) uint64 {
	size := uint64(VirtqHeaderSize)
	size += vringSize(info.VringNum, vringAlign) * uint64(info.VQs)
	return size
}

// iomemBufSize is get_vmbox_iomem_buf_size: the data buffers behind the
// rings, vring_num buffers of vring_size bytes per queue.
func iomemBufSize(info Info) uint64 {
	return uint64(info.VringNum) * uint64(info.VringSize) * uint64(info.VQs)
}

// iomemSize is get_vmbox_iomem_size: header plus buffers, the default
// shared-memory budget when Info.ShmemSize is unset.
func iomemSize(info Info) uint64 {
	return iomemHeaderSize(info) + iomemBufSize(info)
}

// CreateVmbox declares one vmbox pairing (create_vmbox): validates both
// owning VMs exist, computes (or takes) the shared-memory budget,
// allocates its backing pages, creates the BE/FE device pair, and runs
// that vmbox type's vmbox_init hook if one is registered.
func (r *Registry) CreateVmbox(info Info) (*Vmbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.boxes) >= MaxCount {
		return nil, fmt.Errorf("vmbox: count beyond max %d: %w", MaxCount, hverr.ErrResourceExhausted)
	}
	if _, ok := r.spaces.Space(info.Owner[beIdx]); !ok {
		return nil, fmt.Errorf("vmbox: no such vm %d: %w", info.Owner[beIdx], hverr.ErrNotFound)
	}
	if _, ok := r.spaces.Space(info.Owner[feIdx]); !ok {
		return nil, fmt.Errorf("vmbox: no such vm %d: %w", info.Owner[feIdx], hverr.ErrNotFound)
	}

	vb := &Vmbox{
		ID:        len(r.boxes),
		Owner:     info.Owner,
		DevID:     info.DevID,
		Name:      info.Type,
		VQs:       info.VQs,
		VringNum:  info.VringNum,
		VringSize: info.VringSize,
		Flags:     info.Flags,
	}

	var shmemSize uint64
	if info.ShmemSize == 0 {
		shmemSize = alignUp(iomemSize(info), mm.PageSize)
	} else {
		shmemSize = alignUp(info.ShmemSize, mm.PageSize)
	}
	vb.ShmemSize = shmemSize

	base, err := r.pool.Alloc(shmemSize)
	if err != nil {
		return nil, fmt.Errorf("vmbox: alloc shared pages for %s: %w", info.Type, err)
	}
	vb.ShmemBase = base

	be := &Device{VmboxID: vb.ID, IsBackend: true, VMID: info.Owner[beIdx]}
	fe := &Device{VmboxID: vb.ID, IsBackend: false, VMID: info.Owner[feIdx]}
	be.Bro = fe
	fe.Bro = be
	vb.Devices[beIdx] = be
	vb.Devices[feIdx] = fe

	r.boxes = append(r.boxes, vb)

	if hook, ok := r.findHook(vb.Name); ok && hook.VmboxInit != nil {
		hook.VmboxInit(vb)
	}

	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"vmbox": vb.Name, "id": vb.ID, "be_vm": vb.Owner[beIdx], "fe_vm": vb.Owner[feIdx],
			"shmem_size": vb.ShmemSize,
		}).Info("vmbox declared")
	}
	return vb, nil
}

// vmboxByID looks a declared vmbox up by its registry-assigned id.
func (r *Registry) vmboxByID(id int) (*Vmbox, bool) {
	if id < 0 || id >= len(r.boxes) {
		return nil, false
	}
	return r.boxes[id], true
}

// runBEFEHooks calls every registered hook's vmbox_be_init/vmbox_fe_init
// against vm's side of each declared vmbox it owns (vmbox_device_do_hooks).
func (r *Registry) runBEFEHooks(vmid uint32) {
	for _, vb := range r.boxes {
		hook, ok := r.findHook(vb.Name)
		if !ok {
			continue
		}
		if hook.VmboxBEInit != nil && vb.Owner[beIdx] == vmid {
			hook.VmboxBEInit(vmid, vb, vb.Devices[beIdx])
		}
		if hook.VmboxFEInit != nil && vb.Owner[feIdx] == vmid {
			hook.VmboxFEInit(vmid, vb, vb.Devices[feIdx])
		}
	}
}

// RunGuestHooks runs the BE/FE init hooks for each side vmid owns of
// every declared vmbox (of_setup_vm_vmbox's trailing
// vmbox_device_do_hooks step).
func (r *Registry) RunGuestHooks(vmid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runBEFEHooks(vmid)
}

// metricsAttachOutcome labels a completed attach by the device's role.
func metricsAttachOutcome(d *Device) string {
	if d.IsBackend {
		return "backend"
	}
	return "frontend"
}
