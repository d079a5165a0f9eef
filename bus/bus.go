// Package bus defines the contract between the transport engine and the physical link to
// the remote device, together with a registry of link drivers.
package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Bus is an asynchronous request/response link to a remote device.
// Requests are submitted in order; responses arrive independently and are consumed one
// at a time: Next returns the head of the inbound side until Discard drops it.
type Bus interface {
	// Submit transmits a request frame. It does not wait for the response.
	Submit(f Frame) error

	// Next blocks until an inbound frame is available and returns it without consuming it.
	Next(ctx context.Context) (Frame, error)

	// Discard drops the frame last returned by Next.
	Discard() error

	Close() error
}

// Drainer is implemented by buses that can drop every frame already received.
type Drainer interface {
	Drain() int
}

// Driver opens a Bus given a driver-specific address.
type Driver interface {
	Open(address string) (Bus, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a bus driver available by the provided name.
// If Register is called twice with the same name or if driver is nil,
// it panics.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("bus: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("bus: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

func unregisterAllDrivers() {
	driversMu.Lock()
	defer driversMu.Unlock()
	// For tests.
	drivers = make(map[string]Driver)
}

// Drivers returns a sorted list of the names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	list := make([]string, 0, len(drivers))
	for name := range drivers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func Open(driverName, address string) (Bus, error) {
	driversMu.RLock()
	driveri, ok := drivers[driverName]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("bus: unknown driver %q (forgotten import?)", driverName)
	}

	return driveri.Open(address)
}
