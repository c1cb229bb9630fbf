package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/store"
)

// Command is a climate change for one unit. Nil fields are left unchanged.
// Fields are applied in the order mode, temperature, fan, swing and sent as
// one vendor operation.
type Command struct {
	HVACMode    *string  `json:"hvac_mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	FanMode     *string  `json:"fan_mode,omitempty"`
	SwingMode   *string  `json:"swing_mode,omitempty"`
}

// Empty reports whether the command changes nothing.
func (cmd Command) Empty() bool {
	return cmd.HVACMode == nil && cmd.Temperature == nil && cmd.FanMode == nil && cmd.SwingMode == nil
}

// Execute sends cmd to the unit, applies it to the cache optimistically and
// schedules a refresh.
func (c *Coordinator) Execute(ctx context.Context, id string, cmd Command) (climate.State, error) {
	if cmd.Empty() {
		return climate.State{}, errors.New("empty command")
	}

	c.mu.RLock()
	rec, ok := c.devices[id]
	if !ok || rec.Snapshot == nil {
		c.mu.RUnlock()
		return climate.State{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	dev := rec.Snapshot.Clone()
	limits := c.profiles.Lookup(id, dev.Name).Limits()
	c.mu.RUnlock()

	base := dev.Operation()

	if cmd.HVACMode != nil {
		mode, err := climate.ParseHVACMode(*cmd.HVACMode)
		if err != nil {
			return climate.State{}, err
		}
		op, err := climate.ApplyHVACMode(dev, mode)
		if err != nil {
			return climate.State{}, err
		}
		dev.Apply(op)
	}
	if cmd.Temperature != nil {
		op, err := climate.ApplyTemperature(dev, *cmd.Temperature, limits)
		if err != nil {
			return climate.State{}, err
		}
		dev.Apply(op)
	}
	if cmd.FanMode != nil {
		op, err := climate.ApplyFanMode(dev, *cmd.FanMode, limits)
		if err != nil {
			return climate.State{}, err
		}
		dev.Apply(op)
	}
	if cmd.SwingMode != nil {
		op, err := climate.ApplySwingMode(dev, *cmd.SwingMode, limits)
		if err != nil {
			return climate.State{}, err
		}
		dev.Apply(op)
	}

	op := dev.Operation()
	diff := op.Diff(base)
	c.logger.Info("sending command", "id", id, "changes", diff)

	if err := c.client.Control(ctx, dev.Control(), op); err != nil {
		return climate.State{}, fmt.Errorf("control %s: %w", id, err)
	}

	var (
		st    climate.State
		saved *store.Device
	)
	c.mu.Lock()
	if rec, ok := c.devices[id]; ok && rec.Snapshot != nil {
		rec.Snapshot.Apply(op)
		c.cmdSeq++
		c.commanded[id] = c.cmdSeq
		st = c.stateOf(rec)
		saved = cloneRecord(rec)
	}
	c.mu.Unlock()

	if saved != nil {
		c.persist(saved)
		c.events.Emit(Event{Type: EventCommandSent, Data: map[string]interface{}{"id": id, "changes": diff}})
		c.events.Emit(Event{Type: EventDeviceState, Data: stateData(st)})
	}

	c.RequestRefresh()
	return st, nil
}

// SetTemperature sets the target temperature in °C.
func (c *Coordinator) SetTemperature(ctx context.Context, id string, temp float64) error {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return fmt.Errorf("%w: %v", climate.ErrTemperatureRange, temp)
	}
	_, err := c.Execute(ctx, id, Command{Temperature: &temp})
	return err
}

// SetHVACMode changes the HVAC mode; off powers the unit down.
func (c *Coordinator) SetHVACMode(ctx context.Context, id string, mode climate.HVACMode) error {
	m := string(mode)
	_, err := c.Execute(ctx, id, Command{HVACMode: &m})
	return err
}

// SetFanMode changes the fan speed.
func (c *Coordinator) SetFanMode(ctx context.Context, id, fan string) error {
	_, err := c.Execute(ctx, id, Command{FanMode: &fan})
	return err
}

// SetSwingMode changes the louver swing.
func (c *Coordinator) SetSwingMode(ctx context.Context, id, swing string) error {
	_, err := c.Execute(ctx, id, Command{SwingMode: &swing})
	return err
}

// TurnOn powers the unit up in the mode it last ran in.
func (c *Coordinator) TurnOn(ctx context.Context, id string) error {
	dev, err := c.GetDevice(id)
	if err != nil {
		return err
	}
	if dev.Snapshot == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return c.SetHVACMode(ctx, id, climate.LastMode(dev.Snapshot))
}

// TurnOff powers the unit down.
func (c *Coordinator) TurnOff(ctx context.Context, id string) error {
	return c.SetHVACMode(ctx, id, climate.ModeOff)
}
