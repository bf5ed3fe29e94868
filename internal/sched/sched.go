// Package sched implements the pCPU dispatcher: one pinned OS thread per
// pCPU running whichever vCPU is currently scheduled there, generalizing
// the teacher's one-goroutine-per-vCPU run loop to ARM's pinned-pCPU
// topology. The real scheduling policy (sched_vcpu's actual runqueue
// decision) is out of scope; this package only implements the two
// primitives the virq core needs from it: SchedVCPU and SendSGI.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/arcera-systems/armvisor/internal/irqchip"
	"github.com/arcera-systems/armvisor/internal/virq"
)

// Runnable is whatever a pCPU dispatcher actually executes once a vCPU
// is scheduled onto it: a single step of guest execution. Real guest
// entry/exit is out of scope; callers supply their own step function
// (e.g. wrapping virq.EnterGuest/ExitGuest around an exit-handling loop).
type Runnable interface {
	virq.VCPUHandle
	// Step runs one guest-entry/guest-exit cycle and reports whether
	// the vCPU has more work queued.
	Step(ctx context.Context) (more bool, err error)
}

// Dispatcher pins one goroutine's OS thread per pCPU via
// unix.SchedSetaffinity and runs whatever vCPU is currently assigned to
// that pCPU, picking up resched kicks delivered through SendSGI.
type Dispatcher struct {
	chip    irqchip.Chip
	log     *logrus.Entry
	numPCPU int

	mu       sync.Mutex
	runQueue [][]Runnable // runQueue[pcpu] is a FIFO of vCPUs waiting their turn
	kick     []chan struct{}
	current  []Runnable // current[pcpu] is whichever vCPU is presently stepping there
}

// New builds a Dispatcher for numPCPU physical cores.
func New(chip irqchip.Chip, numPCPU int, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{
		chip:     chip,
		log:      log,
		numPCPU:  numPCPU,
		runQueue: make([][]Runnable, numPCPU),
		kick:     make([]chan struct{}, numPCPU),
		current:  make([]Runnable, numPCPU),
	}
	for i := range d.kick {
		d.kick[i] = make(chan struct{}, 1)
	}
	return d
}

// Current returns whichever vCPU is presently stepping on pcpu, the
// generalization of the original's thread-local current_vcpu() — nil if
// none is (the pCPU is idle). Pass this as virq.New's current callback.
func (d *Dispatcher) Current(pcpu int) virq.VCPUHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pcpu < 0 || pcpu >= d.numPCPU || d.current[pcpu] == nil {
		return nil
	}
	return d.current[pcpu]
}

// SchedVCPU enqueues vcpu onto its own pCPU's run queue and wakes that
// pCPU's dispatcher if it is idle (sched_vcpu).
func (d *Dispatcher) SchedVCPU(vcpu virq.VCPUHandle, reason int) {
	r, ok := vcpu.(Runnable)
	if !ok {
		return
	}
	pcpu := vcpu.PCPU()

	d.mu.Lock()
	d.runQueue[pcpu] = append(d.runQueue[pcpu], r)
	d.mu.Unlock()

	d.wake(pcpu)
}

// SendSGI raises sgi on pcpu via the chip, the only cross-pCPU signal
// this dispatcher issues on the virq core's behalf, and additionally
// wakes the local dispatch loop so a sleeping pCPU notices new work
// without waiting on a real interrupt round-trip.
func (d *Dispatcher) SendSGI(sgi uint32, pcpu int) {
	d.chip.SendSGI(sgi, irqchip.SGIToList, []int{pcpu})
	d.wake(pcpu)
}

func (d *Dispatcher) wake(pcpu int) {
	if pcpu < 0 || pcpu >= d.numPCPU {
		return
	}
	select {
	case d.kick[pcpu] <- struct{}{}:
	default:
	}
}

// Run starts one goroutine per declared pCPU, each pinning its own OS
// thread to that pCPU and running its dispatch loop until ctx is
// canceled, and blocks until they all return, fanning errors out via
// errgroup the same way the teacher's VirtualMachine.Run fans its
// per-VCPU goroutines into vcpusRunning.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for pcpu := 0; pcpu < d.numPCPU; pcpu++ {
		pcpu := pcpu
		g.Go(func() error {
			return d.runPCPU(ctx, pcpu)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runPCPU(ctx context.Context, pcpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(pcpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched: pin pcpu %d: %w", pcpu, err)
	}

	if d.log != nil {
		d.log.WithField("pcpu", pcpu).Info("dispatcher pinned and running")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick[pcpu]:
		}

		for {
			r := d.popNext(pcpu)
			if r == nil {
				break
			}
			d.mu.Lock()
			d.current[pcpu] = r
			d.mu.Unlock()

			more, err := r.Step(ctx)

			d.mu.Lock()
			d.current[pcpu] = nil
			if more {
				d.runQueue[pcpu] = append(d.runQueue[pcpu], r)
			}
			d.mu.Unlock()

			if err != nil {
				return fmt.Errorf("sched: pcpu %d: %w", pcpu, err)
			}
		}
	}
}

func (d *Dispatcher) popNext(pcpu int) Runnable {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.runQueue[pcpu]
	if len(q) == 0 {
		return nil
	}
	r := q[0]
	d.runQueue[pcpu] = q[1:]
	return r
}
