package vmbox

// VirtqHeaderSize is the fixed IPC/header region every vmbox reserves
// ahead of its ring buffers (VMBOX_DEV_VIRTQ_HEADER_SIZE).
const VirtqHeaderSize = 0x100

// DeviceMagic tags the high bits of VMBOX_DEV_ID so a guest driver can
// distinguish a populated slot from zeroed, never-attached memory
// (device_id.h's vendor/device id layout, restored per the
// supplemented-features list).
const DeviceMagic uint32 = 0xa5a50000

// Controller register offsets (within its one-page MMIO window).
const (
	ConOnline    = 0x00 // W: guest signals readiness
	ConDevStat   = 0x04 // R/W: bitmap of online device slots
	ConIntStatus = 0x08 // R/W: interrupt-cause bitmap, W1C
	ConDevBase   = 0x100
	ConDevSize   = 0x40
)

// ConIntTypeDevOnline is the INT_STATUS bit set when a device slot comes
// online after the controller itself is already online.
const ConIntTypeDevOnline uint32 = 1 << 0

// Per-device slot register offsets, relative to the slot's own
// ConDevBase + devid*ConDevSize window.
const (
	DevID            = 0x00
	DevVQs           = 0x04
	DevVringNum      = 0x08
	DevVringSize     = 0x0c
	DevVringBaseHi   = 0x10
	DevVringBaseLow  = 0x14
	DevMemSize       = 0x18
	DevDeviceID      = 0x1c
	DevVendorID      = 0x20
	DevVringIRQ      = 0x24
	DevIPCIRQ        = 0x28
	DevVringEvent    = 0x2c // W: forward a vring kick to the peer
	DevIPCEvent      = 0x30 // W: IPC doorbell
	DevIPCAck        = 0x34 // W: clear this slot's own pending IPC type
	DevIPCType       = 0x38 // R/W: this slot's pending IPC payload type
	DevBackendOnline = 0x3c // W: host signals readiness / client acks
)

// maxDeviceSlots bounds how many device slots fit in one controller page
// above ConDevBase; it sizes Controller.devices and bounds the devid a
// trapped device-slot write may address.
const maxDeviceSlots = (4096 - ConDevBase) / ConDevSize
