package serialbus

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"swamp/bus"
)

// SerialNumberPrefix identifies devices found by DetectDevice.
const SerialNumberPrefix = "SWAMP"

var (
	ErrNoDeviceFound = errors.New("serialbus: no device found among serial ports")
	baudRates        = []int{
		921600, // first rate that works on Windows
		460800,
		256000,
		230400, // first rate that works on MacOS
		153600,
		128000,
		115200,
		76800,
		57600,
		38400,
		28800,
		19200,
		14400,
		9600,
	}
)

// DetectDevice returns the name of the first USB serial port whose serial number starts
// with SerialNumberPrefix.
func DetectDevice() (portName string, err error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}

	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		if strings.HasPrefix(port.SerialNumber, SerialNumberPrefix) {
			return port.Name, nil
		}
	}
	return "", ErrNoDeviceFound
}

// parseAddress splits "port;baud". An empty port asks for detection.
func parseAddress(address string) (portName string, baud int) {
	parts := strings.Split(address, ";")
	portName = parts[0]
	baud = baudRates[0]
	if len(parts) > 1 {
		if n, e := strconv.Atoi(parts[1]); e == nil {
			baud = n
		}
	}
	return
}

// dtrPort clears DTR before closing the port.
type dtrPort struct {
	serial.Port
}

func (p dtrPort) Close() error {
	// ignore any errors since we're closing:
	_ = p.SetDTR(false)
	return p.Port.Close()
}

type Driver struct{}

// Open opens "port;baud", trying every common baud rate not above the requested one.
func (d *Driver) Open(address string) (bus.Bus, error) {
	var err error
	log := zap.L().Named(driverName)

	portName, baudRequest := parseAddress(address)
	if portName == "" {
		if portName, err = DetectDevice(); err != nil {
			return nil, err
		}
	}

	// Try all the common baud rates in descending order:
	var f serial.Port
	for _, baud := range baudRates {
		if baud > baudRequest {
			continue
		}
		f, err = serial.Open(portName, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err == nil {
			log.Info("port opened", zap.String("port", portName), zap.Int("baud", baud))
			break
		}
		log.Debug("open failed", zap.String("port", portName), zap.Int("baud", baud), zap.Error(err))
	}
	if err != nil {
		return nil, errors.Wrap(err, "serialbus: failed to open serial port at any baud rate")
	}
	if f == nil {
		return nil, errors.Errorf("serialbus: no baud rate at or below %d", baudRequest)
	}

	if err = f.SetDTR(true); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "serialbus: failed to set DTR")
	}
	if err = f.ResetInputBuffer(); err != nil {
		log.Warn("could not reset input buffer", zap.Error(err))
	}

	return New(dtrPort{f}, log), nil
}

func init() {
	bus.Register(driverName, &Driver{})
}
