package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the cartridge's fixed line speed.
const DefaultBaudRate = 115200

// OpenSerial opens name in 8N1 mode with go.bug.st/serial.
func OpenSerial(name string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	return p, nil
}

// ListPorts returns attached USB serial ports, falling back to every port
// the OS reports when USB details are unavailable.
func ListPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		var names []string
		for _, d := range details {
			if d.IsUSB {
				names = append(names, d.Name)
			}
		}
		if len(names) > 0 {
			return dedupe(names), nil
		}
	}
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return dedupe(names), nil
}

// SortPorts orders ports so that known ones come first, then by name.
func SortPorts(ports, known []string) []string {
	seen := make(map[string]bool, len(known))
	for _, k := range known {
		seen[k] = true
	}
	out := dedupe(ports)
	sort.SliceStable(out, func(i, j int) bool {
		if seen[out[i]] != seen[out[j]] {
			return seen[out[i]]
		}
		return out[i] < out[j]
	})
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// isDisconnect reports whether err means the device went away.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
			return true
		}
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "port is closed") ||
		strings.Contains(s, "no such device") ||
		strings.Contains(s, "bad file descriptor")
}
