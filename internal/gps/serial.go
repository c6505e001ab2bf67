package gps

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

func openSerial(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	// Bounded reads let the reader goroutine notice cancellation.
	if err := port.SetReadTimeout(time.Second); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// autoDetectDevice picks the first serial port that looks like a USB receiver.
func autoDetectDevice() string {
	ports, err := serial.GetPortsList()
	if err == nil {
		for _, p := range ports {
			if isReceiverPath(p) {
				return p
			}
		}
	}
	for i := 0; i < 10; i++ {
		for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func isReceiverPath(p string) bool {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB", "/dev/cu.usbmodem", "COM"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// timeoutReader turns read timeouts (0, nil) into retries until ctx ends,
// so a bufio.Scanner on top never sees a zero-progress read.
type timeoutReader struct {
	ctx context.Context
	r   io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	for {
		if err := t.ctx.Err(); err != nil {
			return 0, io.EOF
		}
		n, err := t.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
