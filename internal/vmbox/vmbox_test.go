package vmbox_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/mm"
	"github.com/arcera-systems/armvisor/internal/vmbox"
)

type injectorCall struct {
	vmid, vno uint32
}

type fakeInjector struct {
	mu    sync.Mutex
	calls []injectorCall
}

func (f *fakeInjector) SendVirq(_ int, vmid, vno uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, injectorCall{vmid, vno})
	return nil
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVirqAllocator struct {
	mu   sync.Mutex
	next uint32
}

func (f *fakeVirqAllocator) AllocVirq(uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

type fakeSpaces struct {
	spaces map[uint32]*mm.Space
}

func newFakeSpaces(vmids ...uint32) *fakeSpaces {
	m := make(map[uint32]*mm.Space)
	for _, id := range vmids {
		m[id] = mm.NewSpace(0x40000000, 0x10000000)
	}
	return &fakeSpaces{spaces: m}
}

func (f *fakeSpaces) Space(vmid uint32) (vmbox.MemorySpace, bool) {
	s, ok := f.spaces[vmid]
	if !ok {
		return nil, false
	}
	return s, true
}

type fakeSharedPool struct {
	mu   sync.Mutex
	next uint64
}

func (f *fakeSharedPool) Alloc(size uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := f.next
	f.next += size
	return base, nil
}

func newTestRegistry(vmids ...uint32) (*vmbox.Registry, *fakeInjector) {
	inj := &fakeInjector{}
	r := vmbox.NewRegistry(inj, &fakeVirqAllocator{}, newFakeSpaces(vmids...), &fakeSharedPool{}, nil)
	return r, inj
}

func TestCreateVmboxComputesShmemSize(t *testing.T) {
	r, _ := newTestRegistry(1, 2)

	vb, err := r.CreateVmbox(vmbox.Info{
		Owner: [2]uint32{1, 2}, DevID: [2]uint32{0x10, 0x20}, Type: "console",
		VQs: 1, VringNum: 4, VringSize: 64,
	})
	if err != nil {
		t.Fatalf("CreateVmbox: %v", err)
	}
	if vb.ShmemSize == 0 || vb.ShmemSize%mm.PageSize != 0 {
		t.Fatalf("expected a page-aligned, non-zero shmem size, got %d", vb.ShmemSize)
	}
	if vb.ShmemSize < vmbox.VirtqHeaderSize {
		t.Fatalf("shmem size %d smaller than the fixed header", vb.ShmemSize)
	}
}

func TestCreateVmboxRejectsUnknownOwner(t *testing.T) {
	r, _ := newTestRegistry(1)

	if _, err := r.CreateVmbox(vmbox.Info{Owner: [2]uint32{1, 99}, Type: "x", VQs: 1, VringNum: 4, VringSize: 64}); !errors.Is(err, hverr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachProtocolOnlineAndBackendHandoff(t *testing.T) {
	r, inj := newTestRegistry(1, 2)

	if _, err := r.CreateController(1); err != nil {
		t.Fatalf("CreateController(1): %v", err)
	}
	vc2, err := r.CreateController(2)
	if err != nil {
		t.Fatalf("CreateController(2): %v", err)
	}

	vb, err := r.CreateVmbox(vmbox.Info{
		Owner: [2]uint32{1, 2}, DevID: [2]uint32{0x10, 0x20}, Type: "console",
		VQs: 1, VringNum: 4, VringSize: 64,
	})
	if err != nil {
		t.Fatalf("CreateVmbox: %v", err)
	}

	if err := r.HandleControllerWrite(1, vmbox.ConOnline, 1); err != nil {
		t.Fatalf("HandleControllerWrite(ConOnline): %v", err)
	}

	be := vb.Devices[0]
	if be.Controller == nil {
		t.Fatal("expected the backend device to be attached after its owner's controller came online")
	}
	vc1 := be.Controller
	if vc1.DevStat()&1 == 0 {
		t.Fatalf("expected dev_stat bit 0 set, got %#x", vc1.DevStat())
	}
	if vc1.IntStatus()&vmbox.ConIntTypeDevOnline == 0 {
		t.Fatalf("expected DEV_ONLINE int cause set, got %#x", vc1.IntStatus())
	}
	if inj.count() == 0 {
		t.Fatal("expected a controller vIRQ injection once online")
	}

	fe := vb.Devices[1]
	if fe.Controller != nil {
		t.Fatal("expected the frontend device to stay unattached until backend-online handoff")
	}

	offset := uint64(vmbox.ConDevBase + be.DevID*vmbox.ConDevSize + vmbox.DevBackendOnline)
	if err := r.HandleControllerWrite(1, offset, 1); err != nil {
		t.Fatalf("HandleControllerWrite(BackendOnline): %v", err)
	}
	if fe.Controller != vc2 {
		t.Fatal("expected the frontend device to attach to vm 2's controller")
	}
}

func TestHandleControllerReadPanics(t *testing.T) {
	r, _ := newTestRegistry(1)
	if _, err := r.CreateController(1); err != nil {
		t.Fatalf("CreateController: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected HandleControllerRead to panic")
		}
	}()
	_, _ = r.HandleControllerRead(1, vmbox.ConDevStat)
}

func TestIPCDoorbellDeduplicatesRepeatedPayload(t *testing.T) {
	r, inj := newTestRegistry(1, 2)
	if _, err := r.CreateController(1); err != nil {
		t.Fatalf("CreateController(1): %v", err)
	}
	if _, err := r.CreateController(2); err != nil {
		t.Fatalf("CreateController(2): %v", err)
	}

	vb, err := r.CreateVmbox(vmbox.Info{
		Owner: [2]uint32{1, 2}, DevID: [2]uint32{0x10, 0x20}, Type: "console",
		VQs: 1, VringNum: 4, VringSize: 64,
	})
	if err != nil {
		t.Fatalf("CreateVmbox: %v", err)
	}
	if err := r.HandleControllerWrite(1, vmbox.ConOnline, 1); err != nil {
		t.Fatalf("HandleControllerWrite(ConOnline): %v", err)
	}
	be := vb.Devices[0]
	offset := uint64(vmbox.ConDevBase + be.DevID*vmbox.ConDevSize + vmbox.DevBackendOnline)
	if err := r.HandleControllerWrite(1, offset, 1); err != nil {
		t.Fatalf("HandleControllerWrite(BackendOnline): %v", err)
	}

	before := inj.count()
	ipcOffset := uint64(vmbox.ConDevBase + be.DevID*vmbox.ConDevSize + vmbox.DevIPCEvent)

	if err := r.HandleControllerWrite(1, ipcOffset, 7); err != nil {
		t.Fatalf("first ipc doorbell: %v", err)
	}
	afterFirst := inj.count()
	if afterFirst != before+1 {
		t.Fatalf("expected exactly one new injection, got %d new", afterFirst-before)
	}

	if err := r.HandleControllerWrite(1, ipcOffset, 7); err != nil {
		t.Fatalf("second ipc doorbell: %v", err)
	}
	afterSecond := inj.count()
	if afterSecond != afterFirst {
		t.Fatalf("expected the repeated payload to be deduplicated, got %d new injections", afterSecond-afterFirst)
	}
}
