package mockbus

import (
	"strconv"

	"github.com/pkg/errors"

	"swamp/bus"
)

const defaultSize = 256

type Driver struct{}

// Open returns a bus to a fresh register file; address is its size in bytes (default 256).
func (d *Driver) Open(address string) (bus.Bus, error) {
	size := defaultSize
	if address != "" {
		n, err := strconv.Atoi(address)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("mock: invalid register file size %q", address)
		}
		size = n
	}
	return New(NewRegisterFile(size, bus.DefaultRegisterProtocol)), nil
}

func init() {
	bus.Register(driverName, &Driver{})
}
