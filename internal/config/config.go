package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kentakayama/suit-processor/internal/suit"
)

// Limits bounds every table the processor allocates.
type Limits struct {
	// MaxComponents is the size of the component table shared by all
	// manifests on the stack.
	MaxComponents int
	// MaxManifestComponents bounds the components one manifest may declare.
	MaxManifestComponents int
	MaxManifests          int
	MaxFrames             int
	MaxRecords            int
}

// maxSelectable is the width of the component selection bitmap.
const maxSelectable = 64

func DefaultLimits() Limits {
	return Limits{
		MaxComponents:         16,
		MaxManifestComponents: 8,
		MaxManifests:          4,
		MaxFrames:             16,
		MaxRecords:            32,
	}
}

func (l Limits) Validate() error {
	if l.MaxComponents < 1 || l.MaxManifests < 1 || l.MaxFrames < 1 || l.MaxRecords < 0 {
		return fmt.Errorf("limits must be positive: %+v", l)
	}
	if l.MaxManifestComponents < 1 || l.MaxManifestComponents > maxSelectable {
		return fmt.Errorf("max manifest components must be within 1..%d, got %d", maxSelectable, l.MaxManifestComponents)
	}
	return nil
}

// ProcessorConfig captures the tunables of one manifest processor.
type ProcessorConfig struct {
	Limits Limits
	// DryRun routes fetch, copy, write and invoke to the platform checks
	// instead of performing them.
	DryRun bool
	Logger *log.Logger
}

// DeviceConfig describes the identity and policy of the reference device.
type DeviceConfig struct {
	VendorID []byte
	ClassID  []byte
	DeviceID []byte
	// AllowUnsigned accepts manifests without signatures.
	AllowUnsigned bool
	// AllowedComponents restricts the component ids manifests may address.
	// Each entry is an encoded SUIT_Component_Identifier; empty allows all.
	AllowedComponents [][]byte
	Logger            *log.Logger
}

// ServerConfig captures the tunables required to start the SUIT server.
type ServerConfig struct {
	Addr      string
	DBPath    string
	Processor ProcessorConfig
	Device    DeviceConfig
	Logger    *log.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:   ":8080",
		DBPath: "suit.db",
		Processor: ProcessorConfig{
			Limits: DefaultLimits(),
		},
	}
}

// config.toml key mapping to the server settings.
type fileConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
	DryRun bool   `toml:"dry_run"`
	Limits struct {
		MaxComponents         int `toml:"max_components"`
		MaxManifestComponents int `toml:"max_manifest_components"`
		MaxManifests          int `toml:"max_manifests"`
		MaxFrames             int `toml:"max_frames"`
		MaxRecords            int `toml:"max_records"`
	} `toml:"limits"`
	Device struct {
		VendorID          string     `toml:"vendor_id"`
		ClassID           string     `toml:"class_id"`
		DeviceID          string     `toml:"device_id"`
		AllowUnsigned     bool       `toml:"allow_unsigned"`
		AllowedComponents [][]string `toml:"allowed_components"`
	} `toml:"device"`
}

// LoadServerConfig reads a TOML file and overlays it onto the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("dry_run") {
		cfg.Processor.DryRun = raw.DryRun
	}

	limits := &cfg.Processor.Limits
	if meta.IsDefined("limits", "max_components") {
		limits.MaxComponents = raw.Limits.MaxComponents
	}
	if meta.IsDefined("limits", "max_manifest_components") {
		limits.MaxManifestComponents = raw.Limits.MaxManifestComponents
	}
	if meta.IsDefined("limits", "max_manifests") {
		limits.MaxManifests = raw.Limits.MaxManifests
	}
	if meta.IsDefined("limits", "max_frames") {
		limits.MaxFrames = raw.Limits.MaxFrames
	}
	if meta.IsDefined("limits", "max_records") {
		limits.MaxRecords = raw.Limits.MaxRecords
	}
	if err := limits.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("load config: %w", err)
	}

	if cfg.Device.VendorID, err = decodeHex("device.vendor_id", raw.Device.VendorID); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Device.ClassID, err = decodeHex("device.class_id", raw.Device.ClassID); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Device.DeviceID, err = decodeHex("device.device_id", raw.Device.DeviceID); err != nil {
		return ServerConfig{}, err
	}
	cfg.Device.AllowUnsigned = raw.Device.AllowUnsigned
	for i, parts := range raw.Device.AllowedComponents {
		id, err := encodeComponentID(parts)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("load config: device.allowed_components[%d]: %w", i, err)
		}
		cfg.Device.AllowedComponents = append(cfg.Device.AllowedComponents, id)
	}
	return cfg, nil
}

func decodeHex(key, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("load config: %s: %w", key, err)
	}
	return b, nil
}

// encodeComponentID turns hex encoded parts into a SUIT_Component_Identifier.
func encodeComponentID(parts []string) ([]byte, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty component id")
	}
	id := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := hex.DecodeString(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		id[i] = b
	}
	return suit.Marshal(id)
}
