// Package power reports the device battery level for the status API.
package power

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	appLog "wristcal/internal/log"
)

// Level is a battery reading.
type Level struct {
	// Percent is the charge in 0..100.
	Percent int `json:"percent"`
	// VoltageMv is the cell voltage in millivolts; 0 when unknown.
	VoltageMv int `json:"voltage_mv"`
}

// Gauge reads the current battery level.
type Gauge interface {
	Read(ctx context.Context) (Level, error)
}

// Fixed always reports the same level. It stands in for hardware during
// development.
type Fixed Level

func (f Fixed) Read(context.Context) (Level, error) { return Level(f), nil }

// PiSugar 3 register map.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// I2CGauge reads a PiSugar-style fuel gauge over I2C.
type I2CGauge struct {
	addr uint16
	open func() (i2c.BusCloser, error)
}

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// NewI2CGauge returns a gauge on the named periph.io bus ("" for the
// default bus). The bus is opened per read.
func NewI2CGauge(busName string, addr uint16) *I2CGauge {
	return &I2CGauge{
		addr: addr,
		open: func() (i2c.BusCloser, error) {
			if err := hostInit(); err != nil {
				return nil, err
			}
			return i2creg.Open(busName)
		},
	}
}

func (g *I2CGauge) Read(ctx context.Context) (Level, error) {
	if err := ctx.Err(); err != nil {
		return Level{}, err
	}
	bus, err := g.open()
	if err != nil {
		return Level{}, err
	}
	defer bus.Close()
	return readLevel(bus, g.addr)
}

func readLevel(bus i2c.Bus, addr uint16) (Level, error) {
	dev := &i2c.Dev{Bus: bus, Addr: addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Level{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Level{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Level{}, err
	}

	return Level{
		Percent:   min(int(pct), 100),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// ErrUnsupported is returned where no I2C gauge can exist.
var ErrUnsupported = errors.New("power: i2c gauge unsupported on this platform")

// DefaultGauge probes the I2C gauge once and falls back to a full Fixed
// level when the hardware is absent or mock is set.
func DefaultGauge(busName string, addr uint16, mock bool) Gauge {
	if mock {
		return Fixed{Percent: 100}
	}
	if runtime.GOOS != "linux" {
		appLog.Info("battery gauge unavailable; reporting fixed level", "err", ErrUnsupported)
		return Fixed{Percent: 100}
	}
	g := NewI2CGauge(busName, addr)
	if _, err := g.Read(context.Background()); err != nil {
		appLog.Warn("battery gauge probe failed; reporting fixed level", "bus", busName, "addr", addr, "err", err)
		return Fixed{Percent: 100}
	}
	return g
}
