// Package host implements device enumeration and blocking transfers on top
// of the softhcd driver core.
//
// A [Host] owns one [hcd.Port]. The application forwards port events to
// [Host.HandleEvent], which resets and enumerates a newly connected device
// and tears it down again when the port reports a disconnection or a fault.
// Faults that leave the port in recovery are recovered and the port is
// powered back on.
//
// # Enumeration
//
// Enumeration follows the standard sequence on the default pipe:
//
//   - GET_DESCRIPTOR(device, 8) at address 0 to learn bMaxPacketSize0
//   - SET_ADDRESS, then reprogram the default pipe
//   - GET_DESCRIPTOR(device, 18)
//   - GET_DESCRIPTOR(configuration) header, then the full tree
//   - string descriptors referenced by the device descriptor, if any
//   - SET_CONFIGURATION with the first configuration
//
// # Transfers
//
// [Device.ControlTransfer] and [BulkPipe.Transfer] enqueue one transfer
// request and block until its pipe reports completion or the context ends.
// Requests still queued when the context ends are cancelled; a request
// already on the bus runs to completion and is reaped later. An expired
// deadline is reported as [pkg.ErrTimeout]. Transfer results map to errors
// with [pkg.TransferStatus.Err]. A pipe halted by a stall or transaction
// error is cleared so later requests run, including when the failed request
// was abandoned; clearing the endpoint halt on the device is left to
// [Device.ClearEndpointHalt].
//
// # Example
//
//	h := host.New(port)
//	h.SetOnDeviceConnect(func(d *host.Device) {
//	    in, _ := d.OpenBulk(0x81)
//	    buf := make([]byte, 64)
//	    n, err := in.Read(ctx, buf)
//	    ...
//	})
//	for range events {
//	    if _, err := h.HandleEvent(ctx); err != nil {
//	        log.Print(err)
//	    }
//	}
package host
