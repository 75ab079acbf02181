// Package sim provides a software host controller for exercising the
// softhcd driver core without hardware.
//
// [Controller] implements [hal.HAL] and [osal.Runtime]. It models the port
// line state (power, attach, enable, reset, suspend, over-current), a pool
// of host channels that walk descriptor lists, and a queue of interrupt
// causes serviced by the handler the driver registers.
//
// [Device] emulates a USB device answering the standard requests needed
// for enumeration and serving bulk endpoints from queued data.
// [Allocator] tracks descriptor-list allocations and injects failures.
//
// # Example
//
//	ctrl := sim.New(sim.Options{})
//	drv, _ := hcd.Install(hcd.Config{HAL: ctrl, Runtime: ctrl})
//	port, _ := drv.PortInit(hcd.PortNumber, hcd.PortConfig{})
//	port.Command(hcd.PortCmdPowerOn)
//	ctrl.Connect(sim.NewDevice(sim.DeviceConfig{Speed: hal.SpeedFull}))
//	port.HandleEvent() // hcd.PortEventConnection
//
// With [Controller.SetHold] enabled, transfers park when activated so a
// test can observe in-flight requests and finish them with
// [Controller.Complete] or [Controller.Fail].
package sim
