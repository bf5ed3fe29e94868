package mm_test

import (
	"errors"
	"testing"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/mm"
)

func TestPagePoolAllocRoundsUpAndAdvances(t *testing.T) {
	p := mm.NewPagePool(0x80000000, 3*mm.PageSize)

	a, err := p.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != 0x80000000 {
		t.Fatalf("first alloc base = %#x, want 0x80000000", a)
	}

	b, err := p.Alloc(mm.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b != 0x80000000+mm.PageSize {
		t.Fatalf("second alloc base = %#x, want %#x", b, 0x80000000+mm.PageSize)
	}
}

func TestPagePoolExhausted(t *testing.T) {
	p := mm.NewPagePool(0x80000000, mm.PageSize)
	if _, err := p.Alloc(2 * mm.PageSize); !errors.Is(err, hverr.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}
