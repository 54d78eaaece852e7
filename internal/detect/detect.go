// Package detect finds OTA link devices on the local serial ports.
package detect

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bigbag/papyrix-ota/internal/link"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

// probeTimeout bounds how long a port may take to answer a status query.
const probeTimeout = 500 * time.Millisecond

// Result represents a detected link device.
type Result struct {
	Port   string
	Status protocol.Status
}

// StateName returns the device state as text.
func (r Result) StateName() string {
	return ota.State(r.Status.State).String()
}

// Dialer opens a port for probing. It is serial.Open in production.
type Dialer func(portName string, baudRate int) (io.ReadWriteCloser, error)

// Detector probes ports with a status query.
type Detector struct {
	Dial    Dialer
	List    func() ([]string, error)
	Timeout time.Duration
}

// New returns a Detector on the system serial ports.
func New() *Detector {
	return &Detector{
		Dial: func(portName string, baudRate int) (io.ReadWriteCloser, error) {
			return serial.Open(portName, baudRate)
		},
		List:    serial.ListPorts,
		Timeout: probeTimeout,
	}
}

// DetectDevice returns the first port whose device answers.
func (d *Detector) DetectDevice(baudRate int) (*Result, error) {
	ports, err := d.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := d.tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no OTA device found (last error: %w)", lastErr)
}

// DetectOnPort probes a specific port.
func (d *Detector) DetectOnPort(portName string, baudRate int) (*Result, error) {
	return d.tryPort(portName, baudRate)
}

// ListDevices probes every port and returns the devices that answered.
func (d *Detector) ListDevices(baudRate int) ([]Result, error) {
	ports, err := d.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := d.tryPort(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func (d *Detector) tryPort(portName string, baudRate int) (*Result, error) {
	conn, err := d.Dial(portName, baudRate)
	if err != nil {
		return nil, err
	}
	client := link.NewClient(conn)
	defer client.Close()

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = probeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Query(ctx); err != nil {
		return nil, fmt.Errorf("%s: failed to query: %w", portName, err)
	}

	select {
	case status, ok := <-client.Statuses():
		if !ok {
			return nil, fmt.Errorf("%s: port closed", portName)
		}
		return &Result{Port: portName, Status: status}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: no answer", portName)
	}
}
