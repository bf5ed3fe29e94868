package sched_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcera-systems/armvisor/internal/irqchip/fakechip"
	"github.com/arcera-systems/armvisor/internal/sched"
	"github.com/arcera-systems/armvisor/internal/virq"
)

type fakeRunnable struct {
	vmid  uint32
	id    int
	pcpu  int
	irqs  *virq.Struct
	steps int32
	done  chan struct{}
}

func newFakeRunnable(pcpu int) *fakeRunnable {
	return &fakeRunnable{pcpu: pcpu, irqs: virq.NewStruct(), done: make(chan struct{}, 1)}
}

func (f *fakeRunnable) VMID() uint32            { return f.vmid }
func (f *fakeRunnable) VCPUID() int             { return f.id }
func (f *fakeRunnable) PCPU() int               { return f.pcpu }
func (f *fakeRunnable) IRQStruct() *virq.Struct { return f.irqs }

func (f *fakeRunnable) Step(ctx context.Context) (bool, error) {
	atomic.AddInt32(&f.steps, 1)
	select {
	case f.done <- struct{}{}:
	default:
	}
	return false, nil
}

func TestSchedVCPURunsOnItsPCPU(t *testing.T) {
	chip := fakechip.New()
	d := sched.New(chip, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	r := newFakeRunnable(0)
	d.SchedVCPU(r, virq.ReasonIRQPending)

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dispatcher to run the scheduled vcpu")
	}

	if atomic.LoadInt32(&r.steps) == 0 {
		t.Fatal("expected at least one Step call")
	}
}

func TestCurrentReflectsActivelySteppingVCPU(t *testing.T) {
	chip := fakechip.New()
	d := sched.New(chip, 1, nil)

	if d.Current(0) != nil {
		t.Fatal("expected no current vcpu before any work is scheduled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	r := newFakeRunnable(0)
	d.SchedVCPU(r, virq.ReasonIRQPending)

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dispatcher to run the scheduled vcpu")
	}

	// done is signalled from inside Step, before the dispatcher clears
	// current, so wait for Step to return.
	deadline := time.Now().Add(2 * time.Second)
	for d.Current(0) != nil {
		if time.Now().After(deadline) {
			t.Fatal("expected current to clear once the vcpu's step returns")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendSGISignalsChip(t *testing.T) {
	chip := fakechip.New()
	d := sched.New(chip, 1, nil)

	d.SendSGI(7, 0)

	calls := chip.SGICalls()
	if len(calls) != 1 || calls[0].SGI != 7 || calls[0].PCPUs[0] != 0 {
		t.Fatalf("unexpected SendSGI record: %+v", calls)
	}
}
