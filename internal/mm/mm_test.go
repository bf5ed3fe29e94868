package mm_test

import (
	"errors"
	"testing"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/mm"
)

func TestReserveFindsGap(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000000)

	a1, err := s.Reserve(0x2000, mm.PageSize, mm.FlagNone)
	if err != nil {
		t.Fatalf("Reserve a1: %v", err)
	}
	a2, err := s.Reserve(0x3000, mm.PageSize, mm.FlagIO)
	if err != nil {
		t.Fatalf("Reserve a2: %v", err)
	}
	if a2.Start < a1.End() {
		t.Fatalf("a2 (%#x) overlaps a1 (ends %#x)", a2.Start, a1.End())
	}
}

func TestReserveExhausted(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000)
	if _, err := s.Reserve(0x2000, mm.PageSize, mm.FlagNone); !errors.Is(err, hverr.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestReserveAtRejectsOverlap(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000000)
	if _, err := s.ReserveAt(0x40001000, 0x1000, mm.FlagNone); err != nil {
		t.Fatalf("ReserveAt first: %v", err)
	}
	if _, err := s.ReserveAt(0x40001800, 0x1000, mm.FlagNone); !errors.Is(err, hverr.ErrInvalidArgument) {
		t.Fatalf("expected overlap to be rejected, got %v", err)
	}
}

func TestReserveAtRejectsOutOfRange(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000)
	if _, err := s.ReserveAt(0x50000000, 0x1000, mm.FlagNone); !errors.Is(err, hverr.ErrInvalidArgument) {
		t.Fatalf("expected out-of-range to be rejected, got %v", err)
	}
}

func TestMapAndRelease(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000000)
	area, err := s.Reserve(0x1000, mm.PageSize, mm.FlagIO)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	s.Map(area, 0x80000000)
	pa, ok := area.PA()
	if !ok || pa != 0x80000000 {
		t.Fatalf("PA() = (%#x, %v), want (0x80000000, true)", pa, ok)
	}

	s.Release(area)
	if len(s.Areas()) != 0 {
		t.Fatalf("expected no areas after release, got %d", len(s.Areas()))
	}
}

func TestAreasSortedByStart(t *testing.T) {
	s := mm.NewSpace(0x40000000, 0x1000000)
	_, _ = s.ReserveAt(0x40002000, 0x1000, mm.FlagNone)
	_, _ = s.ReserveAt(0x40000000, 0x1000, mm.FlagNone)
	_, _ = s.ReserveAt(0x40001000, 0x1000, mm.FlagNone)

	areas := s.Areas()
	for i := 1; i < len(areas); i++ {
		if areas[i-1].Start > areas[i].Start {
			t.Fatalf("areas not sorted: %+v", areas)
		}
	}
}
