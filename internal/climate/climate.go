// Package climate maps AirControlBase unit state onto the Home Assistant
// climate entity model and builds vendor operations from climate commands.
package climate

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"aircontrolbase-go-home/internal/cloud"
)

var (
	ErrInvalidMode      = errors.New("invalid hvac mode")
	ErrInvalidFanMode   = errors.New("invalid fan mode")
	ErrInvalidSwingMode = errors.New("invalid swing mode")
	ErrTemperatureRange = errors.New("temperature out of range")
)

// HVACMode is a Home Assistant HVAC mode.
type HVACMode string

const (
	ModeOff     HVACMode = "off"
	ModeCool    HVACMode = "cool"
	ModeHeat    HVACMode = "heat"
	ModeDry     HVACMode = "dry"
	ModeFanOnly HVACMode = "fan_only"
	ModeAuto    HVACMode = "auto"
)

// HVACAction is what the unit is currently doing.
type HVACAction string

const (
	ActionOff     HVACAction = "off"
	ActionCooling HVACAction = "cooling"
	ActionHeating HVACAction = "heating"
	ActionDrying  HVACAction = "drying"
	ActionFan     HVACAction = "fan"
	ActionIdle    HVACAction = "idle"
)

// Fan modes exposed to Home Assistant.
const (
	FanAuto   = "auto"
	FanLow    = "low"
	FanMedium = "medium"
	FanHigh   = "high"
)

// Swing modes exposed to Home Assistant.
const (
	SwingOff        = "off"
	SwingVertical   = "vertical"
	SwingHorizontal = "horizontal"
	SwingBoth       = "both"
)

// Defaults for a unit without a profile.
const (
	DefaultMinTemp  = 16
	DefaultMaxTemp  = 30
	Precision       = 1.0
	TempStep        = 1.0
	TemperatureUnit = "C"
)

var (
	DefaultHVACModes  = []HVACMode{ModeOff, ModeCool, ModeHeat, ModeDry, ModeFanOnly, ModeAuto}
	DefaultFanModes   = []string{FanAuto, FanLow, FanMedium, FanHigh}
	DefaultSwingModes = []string{SwingOff, SwingVertical, SwingHorizontal, SwingBoth}
)

var vendorToMode = map[string]HVACMode{
	cloud.ModeCool: ModeCool,
	cloud.ModeHeat: ModeHeat,
	cloud.ModeDry:  ModeDry,
	cloud.ModeFan:  ModeFanOnly,
	cloud.ModeAuto: ModeAuto,
}

var modeToVendor = map[HVACMode]string{
	ModeCool:    cloud.ModeCool,
	ModeHeat:    cloud.ModeHeat,
	ModeDry:     cloud.ModeDry,
	ModeFanOnly: cloud.ModeFan,
	ModeAuto:    cloud.ModeAuto,
}

var vendorToFan = map[string]string{
	cloud.WindAuto: FanAuto,
	cloud.WindLow:  FanLow,
	cloud.WindMid:  FanMedium,
	"medium":       FanMedium,
	cloud.WindHigh: FanHigh,
}

var fanToVendor = map[string]string{
	FanAuto:   cloud.WindAuto,
	FanLow:    cloud.WindLow,
	FanMedium: cloud.WindMid,
	FanHigh:   cloud.WindHigh,
}

// Limits restricts what a unit accepts. The zero value means defaults.
type Limits struct {
	MinTemp    int
	MaxTemp    int
	FanModes   []string
	SwingModes []string
}

func (l Limits) withDefaults() Limits {
	if l.MinTemp == 0 {
		l.MinTemp = DefaultMinTemp
	}
	if l.MaxTemp == 0 {
		l.MaxTemp = DefaultMaxTemp
	}
	if len(l.FanModes) == 0 {
		l.FanModes = DefaultFanModes
	}
	if len(l.SwingModes) == 0 {
		l.SwingModes = DefaultSwingModes
	}
	return l
}

// State is the Home Assistant view of one unit.
type State struct {
	ID                 string     `json:"id"`
	UniqueID           string     `json:"unique_id"`
	Name               string     `json:"name"`
	CurrentTemperature *float64   `json:"current_temperature"`
	TargetTemperature  float64    `json:"temperature"`
	HVACMode           HVACMode   `json:"hvac_mode"`
	HVACAction         HVACAction `json:"hvac_action"`
	FanMode            string     `json:"fan_mode"`
	SwingMode          string     `json:"swing_mode"`
	HVACModes          []HVACMode `json:"hvac_modes"`
	FanModes           []string   `json:"fan_modes"`
	SwingModes         []string   `json:"swing_modes"`
	MinTemp            int        `json:"min_temp"`
	MaxTemp            int        `json:"max_temp"`
	Precision          float64    `json:"precision"`
	TemperatureUnit    string     `json:"temperature_unit"`
}

// UniqueID is the entity id prefix shared with the Home Assistant integration.
func UniqueID(deviceID string) string {
	return "aircontrolbase_" + deviceID
}

// FromDevice builds the climate view of a unit.
func FromDevice(dev *cloud.Device, name string, limits Limits) State {
	limits = limits.withDefaults()
	if name == "" {
		name = dev.Name
	}
	mode := HVACModeOf(dev)
	st := State{
		ID:                dev.ID,
		UniqueID:          UniqueID(dev.ID),
		Name:              name,
		TargetTemperature: float64(dev.SetTemp),
		HVACMode:          mode,
		HVACAction:        ActionFor(mode),
		FanMode:           FanModeOf(dev),
		SwingMode:         dev.Swing,
		HVACModes:         DefaultHVACModes,
		FanModes:          limits.FanModes,
		SwingModes:        limits.SwingModes,
		MinTemp:           limits.MinTemp,
		MaxTemp:           limits.MaxTemp,
		Precision:         Precision,
		TemperatureUnit:   TemperatureUnit,
	}
	if dev.HasFact {
		v := dev.FactTemp
		st.CurrentTemperature = &v
	}
	return st
}

// HVACModeOf derives the HVAC mode. A powered-off unit is off whatever its mode.
func HVACModeOf(dev *cloud.Device) HVACMode {
	if !dev.IsOn() {
		return ModeOff
	}
	if m, ok := vendorToMode[strings.ToLower(dev.Mode)]; ok {
		return m
	}
	return ModeOff
}

// LastMode returns the mode the unit runs in when powered, ignoring the power
// flag. Units reporting an unknown mode resume in cool.
func LastMode(dev *cloud.Device) HVACMode {
	if m, ok := vendorToMode[strings.ToLower(dev.Mode)]; ok {
		return m
	}
	return ModeCool
}

// ActionFor derives the running action from the mode; the vendor reports no compressor state.
func ActionFor(mode HVACMode) HVACAction {
	switch mode {
	case ModeOff:
		return ActionOff
	case ModeCool:
		return ActionCooling
	case ModeHeat:
		return ActionHeating
	case ModeDry:
		return ActionDrying
	case ModeFanOnly:
		return ActionFan
	default:
		return ActionIdle
	}
}

// FanModeOf maps the vendor wind value; unknown values pass through.
func FanModeOf(dev *cloud.Device) string {
	if f, ok := vendorToFan[strings.ToLower(dev.Wind)]; ok {
		return f
	}
	return dev.Wind
}

// ParseHVACMode validates a mode string.
func ParseHVACMode(s string) (HVACMode, error) {
	m := HVACMode(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(DefaultHVACModes, m) {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ApplyTemperature returns the operation that sets the target temperature,
// rounded to whole degrees.
func ApplyTemperature(dev *cloud.Device, temp float64, limits Limits) (cloud.Operation, error) {
	limits = limits.withDefaults()
	if math.IsNaN(temp) {
		return cloud.Operation{}, fmt.Errorf("%w: NaN", ErrTemperatureRange)
	}
	t := int(math.Round(temp))
	if t < limits.MinTemp || t > limits.MaxTemp {
		return cloud.Operation{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrTemperatureRange, t, limits.MinTemp, limits.MaxTemp)
	}
	op := dev.Operation()
	op.SetTemp = t
	return op, nil
}

// ApplyHVACMode returns the operation for a mode change. Off powers the unit
// down and keeps its last mode; any other mode powers it up.
func ApplyHVACMode(dev *cloud.Device, mode HVACMode) (cloud.Operation, error) {
	op := dev.Operation()
	if mode == ModeOff {
		op.Power = cloud.PowerOff
		return op, nil
	}
	v, ok := modeToVendor[mode]
	if !ok {
		return cloud.Operation{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	op.Mode = v
	op.Power = cloud.PowerOn
	return op, nil
}

// ApplyFanMode returns the operation for a fan speed change.
func ApplyFanMode(dev *cloud.Device, fan string, limits Limits) (cloud.Operation, error) {
	limits = limits.withDefaults()
	fan = strings.ToLower(strings.TrimSpace(fan))
	v, ok := fanToVendor[fan]
	if !ok || !slices.Contains(limits.FanModes, fan) {
		return cloud.Operation{}, fmt.Errorf("%w: %q", ErrInvalidFanMode, fan)
	}
	op := dev.Operation()
	op.Wind = v
	return op, nil
}

// ApplySwingMode returns the operation for a swing change.
func ApplySwingMode(dev *cloud.Device, swing string, limits Limits) (cloud.Operation, error) {
	limits = limits.withDefaults()
	swing = strings.ToLower(strings.TrimSpace(swing))
	if !slices.Contains(limits.SwingModes, swing) {
		return cloud.Operation{}, fmt.Errorf("%w: %q", ErrInvalidSwingMode, swing)
	}
	op := dev.Operation()
	op.Swing = swing
	return op, nil
}
