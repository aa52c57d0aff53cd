package serialport

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 128000 {
		t.Errorf("BaudRate = %d, want 128000", got.BaudRate)
	}
	if got.DataBits != 8 || got.StopBits != 1 || got.Parity != "N" {
		t.Errorf("framing = %d%s%d, want 8N1", got.DataBits, got.Parity, got.StopBits)
	}
	if got.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v, want 10s", got.ReadTimeout)
	}
	if got.DTR == nil || *got.DTR {
		t.Errorf("DTR should default to cleared")
	}
	if got.RTS == nil || !*got.RTS {
		t.Errorf("RTS should default to set")
	}
}

func TestPortOptions_Normalize_Explicit(t *testing.T) {
	dtr := true
	got, err := PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "even", ReadTimeout: time.Second, DTR: &dtr}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 115200 || got.DataBits != 7 || got.StopBits != 2 || got.Parity != "E" {
		t.Errorf("unexpected options %+v", got)
	}
	if got.ReadTimeout != time.Second || !*got.DTR {
		t.Errorf("explicit values overwritten: %+v", got)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "X"}},
		{"timeout", PortOptions{ReadTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Error("expected error")
			}
			if _, err := tt.opts.SerialMode(); err == nil {
				t.Error("SerialMode: expected error")
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 128000 {
		t.Errorf("BaudRate = %d", mode.BaudRate)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}
	if mode.Parity != serial.OddParity {
		t.Errorf("Parity = %v, want OddParity", mode.Parity)
	}
	if mode.InitialStatusBits == nil || mode.InitialStatusBits.DTR || !mode.InitialStatusBits.RTS {
		t.Errorf("InitialStatusBits = %+v, want DTR clear RTS set", mode.InitialStatusBits)
	}

	mode, _ = PortOptions{}.SerialMode()
	if mode.StopBits != serial.OneStopBit || mode.Parity != serial.NoParity {
		t.Errorf("default mode = %+v", mode)
	}
}

func TestPortOptions_String(t *testing.T) {
	if got, want := (PortOptions{}).String(), "128000 8N1 dtr=false rts=true timeout=10s"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
