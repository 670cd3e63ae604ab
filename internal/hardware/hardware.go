// Package hardware provides raw button and token readers and the guarded
// wrappers the controller polls each tick.
package hardware

import (
	"context"
	"fmt"

	"github.com/goodtune/kspeaker/internal/config"
	"github.com/redis/go-redis/v9"
)

// IdleButtons is the bus value with no button pressed (inputs are active low).
const IdleButtons uint8 = 0xFF

// ButtonBus reads the raw button bit vector.
type ButtonBus interface {
	ReadButtons(ctx context.Context) (uint8, error)
}

// TokenReader reads the token currently on the reader.
type TokenReader interface {
	ReadToken(ctx context.Context) (id string, present bool, err error)
}

// NoButtons is a bus with nothing attached.
type NoButtons struct{}

// ReadButtons implements ButtonBus.
func (NoButtons) ReadButtons(context.Context) (uint8, error) {
	return IdleButtons, nil
}

// NoToken is a reader with nothing attached.
type NoToken struct{}

// ReadToken implements TokenReader.
func (NoToken) ReadToken(context.Context) (string, bool, error) {
	return "", false, nil
}

// OpenButtons returns the button driver named in cfg. client is only used by
// the redis driver.
func OpenButtons(cfg config.HardwareConfig, client *redis.Client) (ButtonBus, error) {
	switch cfg.ButtonsDriver {
	case "", "none":
		return NoButtons{}, nil
	case "pcf8574":
		return OpenPCF8574(cfg.I2CBus, cfg.PCF8574Address)
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis button driver requires redis storage")
		}
		return NewRedisButtons(client, cfg.ButtonsKey), nil
	default:
		return nil, fmt.Errorf("unsupported buttons driver: %q", cfg.ButtonsDriver)
	}
}

// OpenToken returns the token driver named in cfg.
func OpenToken(cfg config.HardwareConfig, client *redis.Client) (TokenReader, error) {
	switch cfg.TokenDriver {
	case "", "none":
		return NoToken{}, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis token driver requires redis storage")
		}
		return NewRedisToken(client, cfg.TokenKey), nil
	default:
		return nil, fmt.Errorf("unsupported token driver: %q", cfg.TokenDriver)
	}
}
