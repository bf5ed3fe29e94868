package vmbox

import "github.com/arcera-systems/armvisor/internal/mm"

// MMSpaces adapts an mm.SpaceSet into a MemorySpaceLookup, the wiring
// point between vmcore's declared VMs and this registry's attach
// protocol.
type MMSpaces struct {
	Set *mm.SpaceSet
}

// Space implements MemorySpaceLookup.
func (m MMSpaces) Space(vmid uint32) (MemorySpace, bool) {
	return m.Set.Get(vmid)
}
