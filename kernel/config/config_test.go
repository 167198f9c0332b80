package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kernel.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid; got %v", err)
	}

	if got := cfg.PagesStart(); got != vmm.DefaultRAMBase {
		t.Errorf("expected pages to start at 0x%x; got 0x%x", vmm.DefaultRAMBase, got)
	}

	if got, exp := cfg.RAMEnd(), vmm.DefaultRAMBase+vmm.DefaultRAMSize; got != exp {
		t.Errorf("expected RAM to end at 0x%x; got 0x%x", exp, got)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
ram_base = 0x90000000
ram_size = 0x1000000
kernel_end = 0x90200000
min_partial = 4
log_level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	exp := &Config{
		RAMBase:    0x90000000,
		RAMSize:    0x1000000,
		KernelEnd:  0x90200000,
		MinPartial: 4,
		LogLevel:   "debug",
		LogFormat:  "text",
	}

	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if got := cfg.PagesStart(); got != 0x90200000 {
		t.Fatalf("expected pages to start after the kernel image; got 0x%x", got)
	}
}

func TestLoadErrors(t *testing.T) {
	specs := []string{
		`ram_base = "not a number"`,
		`unknown_key = 1`,
		`ram_base = 0x80000100`,
		`log_format = "xml"`,
	}

	for specIndex, spec := range specs {
		if _, err := Load(writeConfig(t, spec)); err == nil {
			t.Errorf("[spec %d] expected an error", specIndex)
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	specs := []struct {
		mutate func(*Config)
		expErr *kernel.Error
	}{
		{func(c *Config) {}, nil},
		{func(c *Config) { c.RAMBase += 1 }, errMisalignedRAM},
		{func(c *Config) { c.RAMSize = 0x1800 }, errMisalignedRAM},
		{func(c *Config) { c.RAMBase = ^uint64(0) &^ 0xfff }, errRAMOverflow},
		{func(c *Config) { c.KernelEnd = c.RAMBase - 1 }, errKernelEndRange},
		{func(c *Config) { c.KernelEnd = c.RAMBase + c.RAMSize + 1 }, errKernelEndRange},
		{func(c *Config) { c.KernelEnd = c.RAMBase + c.RAMSize }, errRAMTooSmall},
		{func(c *Config) { c.RAMSize = 0 }, errRAMTooSmall},
		{func(c *Config) { c.MinPartial = -1 }, errBadMinPartial},
		{func(c *Config) { c.LogFormat = "yaml" }, errBadLogFormat},
		{func(c *Config) { c.LogLevel = "loud" }, errBadLogLevelName},
		{func(c *Config) { c.LogFormat, c.LogLevel = "json", "" }, nil},
	}

	for specIndex, spec := range specs {
		cfg := Default()
		spec.mutate(cfg)

		if err := cfg.Validate(); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}
