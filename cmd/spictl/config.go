//go:build linux
// +build linux

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	spibus "github.com/luhtfiimanal/go-spibus"
)

type busFile struct {
	Host            string `toml:"host"`
	MOSI            int    `toml:"mosi"`
	MISO            int    `toml:"miso"`
	SCLK            int    `toml:"sclk"`
	QuadWP          int    `toml:"quadwp"`
	QuadHD          int    `toml:"quadhd"`
	MaxTransferSize int    `toml:"max_transfer_size"`
	DMAChannel      int    `toml:"dma_channel"`
	LockDir         string `toml:"lock_dir"`
}

type deviceFile struct {
	Name        string `toml:"name"`
	Mode        *int   `toml:"mode"`
	ClockHz     int64  `toml:"clock_hz"`
	CS          *int   `toml:"cs"`
	CommandBits uint8  `toml:"command_bits"`
	AddressBits uint8  `toml:"address_bits"`
	DummyBits   uint8  `toml:"dummy_bits"`
	QueueSize   int    `toml:"queue_size"`
	InputDelay  string `toml:"input_delay"`
}

type lcdFile struct {
	Device string `toml:"device"`
	CS     string `toml:"cs"`
	DC     string `toml:"dc"`
	RST    string `toml:"rst"`
	BL     string `toml:"bl"`
}

type fileConfig struct {
	Bus     busFile      `toml:"bus"`
	Devices []deviceFile `toml:"device"`
	LCD     lcdFile      `toml:"lcd"`
}

// lcdPins names the GPIO lines of the display as known to gpioreg.
type lcdPins struct {
	Device string
	CS     string
	DC     string
	RST    string
	BL     string
}

type namedDevice struct {
	Name   string
	Config spibus.DeviceConfig
}

type config struct {
	Host       spibus.Host
	Bus        spibus.BusConfig
	DMAChannel int
	LockDir    string
	Devices    []namedDevice
	LCD        *lcdPins
}

func defaultConfig() config {
	return config{
		Host: spibus.HSPI,
		Bus: spibus.BusConfig{
			MOSI: spibus.NoPin,
			MISO: spibus.NoPin,
			SCLK: spibus.NoPin,
		},
		DMAChannel: 1,
	}
}

func (c config) device(name string) (spibus.DeviceConfig, error) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d.Config, nil
		}
	}
	return spibus.DeviceConfig{}, fmt.Errorf("unknown device %q", name)
}

func parseHost(s string) (spibus.Host, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spi1":
		return spibus.SPI1, nil
	case "hspi", "spi2":
		return spibus.HSPI, nil
	case "vspi", "spi3":
		return spibus.VSPI, nil
	}
	return 0, fmt.Errorf("unknown host %q", s)
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load spictl config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return config{}, fmt.Errorf("load spictl config: unknown key %q", undec[0].String())
	}

	if meta.IsDefined("bus", "host") {
		h, err := parseHost(raw.Bus.Host)
		if err != nil {
			return config{}, err
		}
		cfg.Host = h
	}
	if meta.IsDefined("bus", "mosi") {
		cfg.Bus.MOSI = spibus.Pin(raw.Bus.MOSI)
	}
	if meta.IsDefined("bus", "miso") {
		cfg.Bus.MISO = spibus.Pin(raw.Bus.MISO)
	}
	if meta.IsDefined("bus", "sclk") {
		cfg.Bus.SCLK = spibus.Pin(raw.Bus.SCLK)
	}
	if meta.IsDefined("bus", "quadwp") || meta.IsDefined("bus", "quadhd") {
		q := &spibus.QuadPins{WP: spibus.NoPin, HD: spibus.NoPin}
		if meta.IsDefined("bus", "quadwp") {
			q.WP = spibus.Pin(raw.Bus.QuadWP)
		}
		if meta.IsDefined("bus", "quadhd") {
			q.HD = spibus.Pin(raw.Bus.QuadHD)
		}
		cfg.Bus.Quad = q
	}
	if meta.IsDefined("bus", "max_transfer_size") {
		cfg.Bus.MaxTransferSize = raw.Bus.MaxTransferSize
	}
	if meta.IsDefined("bus", "dma_channel") {
		cfg.DMAChannel = raw.Bus.DMAChannel
	}
	if meta.IsDefined("bus", "lock_dir") {
		cfg.LockDir = strings.TrimSpace(raw.Bus.LockDir)
	}
	if err := cfg.Bus.Validate(); err != nil {
		return config{}, fmt.Errorf("bus: %w", err)
	}

	seen := make(map[string]bool, len(raw.Devices))
	for i, d := range raw.Devices {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return config{}, fmt.Errorf("device %d: missing name", i)
		}
		if seen[name] {
			return config{}, fmt.Errorf("device %q: duplicate name", name)
		}
		seen[name] = true

		dc, err := d.deviceConfig()
		if err != nil {
			return config{}, fmt.Errorf("device %q: %w", name, err)
		}
		cfg.Devices = append(cfg.Devices, namedDevice{Name: name, Config: dc})
	}

	if meta.IsDefined("lcd") {
		l := &lcdPins{
			Device: strings.TrimSpace(raw.LCD.Device),
			CS:     strings.TrimSpace(raw.LCD.CS),
			DC:     strings.TrimSpace(raw.LCD.DC),
			RST:    strings.TrimSpace(raw.LCD.RST),
			BL:     strings.TrimSpace(raw.LCD.BL),
		}
		if l.Device == "" {
			return config{}, fmt.Errorf("lcd: missing device")
		}
		if !seen[l.Device] {
			return config{}, fmt.Errorf("lcd: unknown device %q", l.Device)
		}
		cfg.LCD = l
	}

	return cfg, nil
}

func (d deviceFile) deviceConfig() (spibus.DeviceConfig, error) {
	dc := spibus.DeviceConfig{
		CommandBits: d.CommandBits,
		AddressBits: d.AddressBits,
		DummyBits:   d.DummyBits,
		ClockSpeed:  physic.Frequency(d.ClockHz) * physic.Hertz,
		QueueSize:   d.QueueSize,
	}
	if d.Mode != nil {
		dc.Mode = spi.Mode(*d.Mode)
	}
	if d.CS != nil {
		dc.ChipSelect = spibus.ChipSelectPin(spibus.Pin(*d.CS))
	}
	if s := strings.TrimSpace(d.InputDelay); s != "" {
		delay, err := time.ParseDuration(s)
		if err != nil {
			return spibus.DeviceConfig{}, fmt.Errorf("parse input_delay: %w", err)
		}
		dc.InputDelay = delay
	}
	if err := dc.Validate(); err != nil {
		return spibus.DeviceConfig{}, err
	}
	return dc, nil
}
