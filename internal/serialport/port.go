// Package serialport opens the range finder's serial link and wraps it with
// the device's start and stop commands. Tests and offline tools use the
// testable and synthetic ports in this package instead of real hardware.
package serialport

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface needed from a serial connection.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort is implemented by ports whose reads can time out.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// ControlLinePort is implemented by ports that expose the DTR and RTS
// modem lines.
type ControlLinePort interface {
	Port
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Opener opens the port at path.
type Opener func(path string, mode *serial.Mode) (Port, error)

// openSerial is the production Opener; tests replace it.
var openSerial Opener = func(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
