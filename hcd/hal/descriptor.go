package hal

// DescFlag marks how the channel executes a transfer descriptor.
type DescFlag uint8

// Descriptor flags.
const (
	DescFlagIn    DescFlag = 1 << iota // IN transaction (device to host)
	DescFlagSetup                      // SETUP token
	DescFlagHalt                       // Halt the channel after this descriptor
)

// DescStatus is written back by the channel after it executes a descriptor.
type DescStatus uint8

// Descriptor status values.
const (
	DescStatusNotExecuted DescStatus = iota
	DescStatusSuccess
	DescStatusPacketError
	DescStatusBufferError
)

// String returns the status name.
func (s DescStatus) String() string {
	switch s {
	case DescStatusNotExecuted:
		return "not executed"
	case DescStatusSuccess:
		return "success"
	case DescStatusPacketError:
		return "packet error"
	case DescStatusBufferError:
		return "buffer error"
	default:
		return "unknown"
	}
}

// Descriptor is one entry of a transfer descriptor list.
type Descriptor struct {
	Buf       []byte
	Flags     DescFlag
	Status    DescStatus
	Remaining int // Bytes not transferred, written by the channel
}

// IsNull reports whether the descriptor was cleared and must be skipped.
func (d *Descriptor) IsNull() bool {
	return d.Flags == 0 && d.Buf == nil
}

// Has reports whether all bits of f are set.
func (d *Descriptor) Has(f DescFlag) bool {
	return d.Flags&f == f
}

// DescriptorList is the DMA-visible list a channel walks for one transfer.
type DescriptorList []Descriptor

// Fill programs descriptor idx to move buf.
func (l DescriptorList) Fill(idx int, buf []byte, flags DescFlag) {
	l[idx] = Descriptor{
		Buf:       buf,
		Flags:     flags,
		Status:    DescStatusNotExecuted,
		Remaining: len(buf),
	}
}

// Clear resets descriptor idx to a null entry.
func (l DescriptorList) Clear(idx int) {
	l[idx] = Descriptor{}
}

// Parse returns what the channel wrote back into descriptor idx.
func (l DescriptorList) Parse(idx int) (remaining int, status DescStatus) {
	return l[idx].Remaining, l[idx].Status
}
