// Package config describes the memory layout and logging settings used to
// bring up the kernel memory subsystem.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

var (
	errMisalignedRAM   = &kernel.Error{Module: "config", Message: "RAM base and size must be page-aligned"}
	errRAMTooSmall     = &kernel.Error{Module: "config", Message: "RAM must hold at least one page after the kernel image"}
	errKernelEndRange  = &kernel.Error{Module: "config", Message: "kernel end must lie within RAM"}
	errRAMOverflow     = &kernel.Error{Module: "config", Message: "RAM range overflows the physical address space"}
	errBadMinPartial   = &kernel.Error{Module: "config", Message: "min_partial must not be negative"}
	errBadLogFormat    = &kernel.Error{Module: "config", Message: "log_format must be either text or json"}
	errBadLogLevelName = &kernel.Error{Module: "config", Message: "unknown log_level"}
)

// Config holds the settings for a kernel memory context.
type Config struct {
	// RAMBase is the physical address of the first byte of RAM.
	RAMBase uint64 `toml:"ram_base"`

	// RAMSize is the amount of RAM in bytes.
	RAMSize uint64 `toml:"ram_size"`

	// KernelEnd is the physical address just past the kernel image. Pages
	// below it are never handed out by the page allocator. A zero value
	// means that the whole RAM range is available.
	KernelEnd uint64 `toml:"kernel_end"`

	// MinPartial is the number of partially used slabs kept around
	// before empty slabs are returned to the page allocator.
	MinPartial int `toml:"min_partial"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the configuration for the native memory layout.
func Default() *Config {
	return &Config{
		RAMBase:    uint64(vmm.DefaultRAMBase),
		RAMSize:    uint64(vmm.DefaultRAMSize),
		MinPartial: 2,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// Load reads the TOML file at path on top of the default configuration and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to load config %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown keys in config %q: %v", path, undecoded)
	}

	if kerr := cfg.Validate(); kerr != nil {
		return nil, kerr
	}

	return cfg, nil
}

// Validate checks that the memory layout is consistent.
func (c *Config) Validate() *kernel.Error {
	base, size := uintptr(c.RAMBase), uintptr(c.RAMSize)

	switch {
	case !mm.PageAligned(base) || !mm.PageAligned(size):
		return errMisalignedRAM
	case base+size < base:
		return errRAMOverflow
	case c.KernelEnd != 0 && (uintptr(c.KernelEnd) < base || uintptr(c.KernelEnd) > base+size):
		return errKernelEndRange
	case mm.PageRoundUp(c.PagesStart())+mm.PageSize > base+size:
		return errRAMTooSmall
	case c.MinPartial < 0:
		return errBadMinPartial
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errBadLogFormat
	}

	switch c.LogLevel {
	case "", "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return errBadLogLevelName
	}

	return nil
}

// PagesStart returns the first physical address that the page allocator may
// manage.
func (c *Config) PagesStart() uintptr {
	if c.KernelEnd != 0 {
		return uintptr(c.KernelEnd)
	}
	return uintptr(c.RAMBase)
}

// RAMEnd returns the physical address just past the end of RAM.
func (c *Config) RAMEnd() uintptr {
	return uintptr(c.RAMBase + c.RAMSize)
}
