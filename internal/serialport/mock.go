package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements Port, TimeoutPort and ControlLinePort with
// scripted reads, captured writes and injectable errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call.
	ReadLatency time.Duration

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes the next Write report one byte fewer than given.
	ShortWrite bool
	// CloseError is returned by Close if set.
	CloseError error
	// DTRError is returned by SetDTR if set.
	DTRError error

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ReadTimeout time.Duration
	DTR, RTS    *bool

	// EmptyReads makes the next n reads return (0, nil), as a real port does
	// when its read timeout expires.
	EmptyReads int

	// BlockReads makes Read wait for data or Close when the buffer is empty.
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.EmptyReads > 0 {
		t.EmptyReads--
		return 0, nil
	}
	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, ErrPortClosed
		}
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

func (t *TestableSerialPort) SetDTR(dtr bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DTRError != nil {
		return t.DTRError
	}
	t.DTR = &dtr
	return nil
}

func (t *TestableSerialPort) SetRTS(rts bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RTS = &rts
	return nil
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns a copy of everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.WriteBuffer.Bytes())
}

// MockOpener records Open calls and hands out a fixed port.
type MockOpener struct {
	mu sync.Mutex

	Port  Port
	Error error
	Calls []MockOpenCall
}

// MockOpenCall records one Open call.
type MockOpenCall struct {
	Path string
	Mode *serial.Mode
}

// Open satisfies Opener.
func (m *MockOpener) Open(path string, mode *serial.Mode) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockOpenCall{Path: path, Mode: mode})
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Port, nil
}

// LastCall returns the most recent call, or nil.
func (m *MockOpener) LastCall() *MockOpenCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}
