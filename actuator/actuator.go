/*Package actuator describes the outputs switched in step with the stage,
fluidic pressure channels and camera triggers, and provides drivers for them.

The print loop only talks to a Driver, whose methods must return without
waiting on the hardware.  Devices that block on I/O are wrapped in a Queue.
*/
package actuator

import "errors"

// ErrUnsupported is generated when a device is asked for an action it cannot perform
var ErrUnsupported = errors.New("action not supported by this device")

// Driver is the non-blocking command surface seen by the print loop.
// scale is relative to the channel's nominal value.
type Driver interface {
	// SetChannelValue switches a channel on at scale x its nominal value
	SetChannelValue(ch string, scale float64)

	// SetChannelOff switches a channel off
	SetChannelOff(ch string)

	// FireTrigger fires a one-shot trigger on a channel
	FireTrigger(ch string)
}

// Nominaler is a Driver which accepts continuous updates of a channel's nominal value
type Nominaler interface {
	SetNominal(ch string, v float64)
}

// Device is a blocking piece of hardware, wrapped by Queue to become a Driver
type Device interface {
	// Set drives ch at scale x its nominal value
	Set(ch string, scale float64) error

	// Off switches ch off
	Off(ch string) error

	// Trigger fires a one-shot on ch
	Trigger(ch string) error
}

// NominalDevice is a Device that holds per-channel nominal values
type NominalDevice interface {
	Nominal(ch string, v float64) error
}
