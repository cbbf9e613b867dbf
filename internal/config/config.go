// Package config loads a machine profile — the handful of knobs a host
// sets before constructing internal/machine.Machine — from YAML, the
// way this corpus's production CLIs load a settings file ahead of their
// core object (spec.md §10.3).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/amitools-go/machinecore/internal/cpu"
)

// Profile is a machine profile. Zero values mean "use the built-in
// default"; flag overrides are applied on top by the caller after Load.
type Profile struct {
	CPUType      string `yaml:"cpu_type"`
	RAMKiB       uint32 `yaml:"ram_kib"`
	CyclesPerRun int    `yaml:"cycles_per_run"`
	UseLabels    *bool  `yaml:"use_labels"`
	Strict       *bool  `yaml:"strict_alignment"`
}

// Defaults returns the built-in profile used when no file and no flag
// overrides it.
func Defaults() Profile {
	t, f := true, false
	return Profile{
		CPUType:      "68000",
		RAMKiB:       1024,
		CyclesPerRun: 1000,
		UseLabels:    &t,
		Strict:       &f,
	}
}

// Load reads a YAML profile from path, merging it over Defaults() field
// by field so a file only needs to set what it wants to override.
func Load(path string) (Profile, error) {
	p := Defaults()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile %s: %w", path, err)
	}
	var file Profile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if file.CPUType != "" {
		p.CPUType = file.CPUType
	}
	if file.RAMKiB != 0 {
		p.RAMKiB = file.RAMKiB
	}
	if file.CyclesPerRun != 0 {
		p.CyclesPerRun = file.CyclesPerRun
	}
	if file.UseLabels != nil {
		p.UseLabels = file.UseLabels
	}
	if file.Strict != nil {
		p.Strict = file.Strict
	}
	return p, nil
}

// CPUTypeValue resolves the profile's string CPU type to internal/cpu.Type,
// defaulting to Type68000 for an unrecognized or empty value.
func (p Profile) CPUTypeValue() cpu.Type {
	switch p.CPUType {
	case "68020":
		return cpu.Type68020
	case "68030":
		return cpu.Type68030
	default:
		return cpu.Type68000
	}
}
