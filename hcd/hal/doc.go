// Package hal defines the hardware abstraction the softhcd driver core is
// written against.
//
// The HAL is split into three interfaces that together form [HAL]:
//
//   - [CoreHAL]: controller bring-up, host-mode signal wiring, soft reset,
//     and interrupt registration
//   - [PortHAL]: power, reset, suspend, resume and disable of the single
//     root port, line-state sampling, and the interrupt-cause decoder
//   - [ChannelHAL]: the host channel pool, endpoint characteristics,
//     and the descriptor-list slot each channel executes
//
// # Interrupt Decoding
//
// [PortHAL.DecodeInterrupt] yields exactly one cause per call. When it
// returns [PortEventChannel] the driver loops over [ChannelHAL.ChannelPending]
// until no channel remains, decoding each with [ChannelHAL.ChannelDecode].
//
// # Descriptor Lists
//
// A [DescriptorList] is owned by one pipe. The driver fills it, hands it to
// a channel with [ChannelHAL.ChannelSlotAcquire], activates the channel, and
// reads back per-descriptor status and remaining length once the channel
// reports completion. Every descriptor the driver writes carries
// [DescFlagHalt] so software regains control between control-transfer
// stages.
//
// # Memory
//
// Descriptor lists come from an [Allocator] so platforms can place them in
// DMA-capable memory. [HeapAllocator] serves regular Go.
//
// A software controller for tests lives in
// [github.com/ardnew/softhcd/hcd/hal/sim].
package hal
