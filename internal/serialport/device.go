package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/scanmatch/internal/monitoring"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
)

// ErrWriteFailed is returned when the port accepts fewer bytes than sent.
var ErrWriteFailed = errors.New("failed to write to serial port")

// Device is an open range finder. Reads return the raw packet stream;
// timeouts on an idle link are absorbed so a decoder never sees an empty
// read.
type Device struct {
	name      string
	port      Port
	commandMu sync.Mutex
	closed    atomic.Bool
	timeouts  atomic.Uint64
}

// Open opens the device at path with opts, configures the control lines and
// read timeout, and returns it without starting the motor.
func Open(path string, opts PortOptions) (*Device, error) {
	return OpenWith(openSerial, path, opts)
}

// OpenWith is Open with an explicit opener.
func OpenWith(open Opener, path string, opts PortOptions) (*Device, error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := configure(port, norm); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	monitoring.Logf("serialport: opened %s (%v)", path, norm)
	return NewDevice(path, port), nil
}

func configure(port Port, opts PortOptions) error {
	if cl, ok := port.(ControlLinePort); ok {
		if err := cl.SetDTR(*opts.DTR); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
		if err := cl.SetRTS(*opts.RTS); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
	}
	if tp, ok := port.(TimeoutPort); ok {
		if err := tp.SetReadTimeout(opts.ReadTimeout); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
	}
	return nil
}

// NewDevice wraps an already opened port.
func NewDevice(name string, port Port) *Device {
	return &Device{name: name, port: port}
}

// Name returns the path or label the device was opened with.
func (d *Device) Name() string { return d.name }

// Start asks the device to begin scanning.
func (d *Device) Start() error {
	if err := d.send(rangefinder.CmdStartScan); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	return nil
}

// Stop asks the device to stop scanning.
func (d *Device) Stop() error {
	if err := d.send(rangefinder.CmdStopScan); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (d *Device) send(cmd []byte) error {
	d.commandMu.Lock()
	defer d.commandMu.Unlock()
	n, err := d.port.Write(cmd)
	if err != nil {
		return err
	}
	if n != len(cmd) {
		return ErrWriteFailed
	}
	return nil
}

// Read implements io.Reader. An empty read (the port's timeout expiring
// with no data) is retried; once the device is closed it reports io.EOF.
func (d *Device) Read(p []byte) (int, error) {
	for {
		n, err := d.port.Read(p)
		if d.closed.Load() {
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		if n > 0 || err != nil || len(p) == 0 {
			return n, err
		}
		if d.timeouts.Add(1) == 1 {
			monitoring.Logf("serialport: %s: read timed out with no data; is the device scanning?", d.name)
		}
	}
}

// Timeouts returns how many reads expired without data.
func (d *Device) Timeouts() uint64 { return d.timeouts.Load() }

// Close stops the device, best effort, and closes the port.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if err := d.send(rangefinder.CmdStopScan); err != nil {
		monitoring.Logf("serialport: %s: stop on close: %v", d.name, err)
	}
	return d.port.Close()
}
