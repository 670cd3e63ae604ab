package hardware

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

// PCF8574 reads buttons wired to a PCF8574 I/O expander on a Linux I2C bus.
type PCF8574 struct {
	mu   sync.Mutex
	file *os.File
}

// OpenPCF8574 opens bus (for example /dev/i2c-1) and selects addr.
func OpenPCF8574(bus string, addr int) (*PCF8574, error) {
	f, err := os.OpenFile(bus, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %s: %w", bus, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, addr); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to select i2c address 0x%02x: %w", addr, err)
	}
	return &PCF8574{file: f}, nil
}

// ReadButtons reads one byte from the expander.
func (p *PCF8574) ReadButtons(context.Context) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf [1]byte
	n, err := p.file.Read(buf[:])
	if err != nil {
		return IdleButtons, err
	}
	if n != 1 {
		return IdleButtons, fmt.Errorf("short i2c read: %d bytes", n)
	}
	return buf[0], nil
}

// Close releases the bus.
func (p *PCF8574) Close() error {
	return p.file.Close()
}
