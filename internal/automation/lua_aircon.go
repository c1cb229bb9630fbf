//go:build !no_automation

package automation

import (
	"context"
	"time"

	"aircontrolbase-go-home/internal/climate"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 15 * time.Second
)

// registerAirconModule registers the `aircon` global table in a Lua state.
func registerAirconModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return airconOn(L, vm)
	}))

	mod.RawSetString("set_temperature", L.NewFunction(func(L *lua.LState) int {
		temp := float64(L.CheckNumber(2))
		return airconCommand(L, e, func(ctx context.Context, id string) error {
			return e.coord.SetTemperature(ctx, id, temp)
		})
	}))

	mod.RawSetString("set_mode", L.NewFunction(func(L *lua.LState) int {
		mode := climate.HVACMode(L.CheckString(2))
		return airconCommand(L, e, func(ctx context.Context, id string) error {
			return e.coord.SetHVACMode(ctx, id, mode)
		})
	}))

	mod.RawSetString("set_fan_mode", L.NewFunction(func(L *lua.LState) int {
		fan := L.CheckString(2)
		return airconCommand(L, e, func(ctx context.Context, id string) error {
			return e.coord.SetFanMode(ctx, id, fan)
		})
	}))

	mod.RawSetString("set_swing_mode", L.NewFunction(func(L *lua.LState) int {
		swing := L.CheckString(2)
		return airconCommand(L, e, func(ctx context.Context, id string) error {
			return e.coord.SetSwingMode(ctx, id, swing)
		})
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return airconCommand(L, e, e.coord.TurnOn)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return airconCommand(L, e, e.coord.TurnOff)
	}))

	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return airconGetState(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return airconDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return airconAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("aircon", mod)
}

// aircon.on(type, filter, callback)
func airconOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filter := L.OptTable(2, L.NewTable())
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v := filter.RawGetString("id"); v != lua.LNil {
		h.id = v.String()
	}
	if v := filter.RawGetString("name"); v != lua.LNil {
		h.name = v.String()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// airconCommand resolves the unit in argument 1 and runs fn against it.
// It returns true, or false and an error message.
func airconCommand(L *lua.LState, e *Engine, fn func(ctx context.Context, id string) error) int {
	ref := L.CheckString(1)
	dev, err := e.coord.FindDevice(ref)
	if err != nil {
		e.logger.Warn("device not found", "target", ref)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	ctx, cancel := context.WithTimeout(e.coord.Context(), commandTimeout)
	defer cancel()

	if err := fn(ctx, dev.ID); err != nil {
		e.logger.Error("script command", "id", dev.ID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// aircon.get_state(id_or_name)
func airconGetState(L *lua.LState, e *Engine) int {
	ref := L.CheckString(1)
	dev, err := e.coord.FindDevice(ref)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	st, err := e.coord.State(dev.ID)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(stateTable(L, st))
	return 1
}

// aircon.devices() returns a list of unit states.
func airconDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, st := range e.coord.States() {
		tbl.RawSetInt(i+1, stateTable(L, st))
	}
	L.Push(tbl)
	return 1
}

// aircon.after(seconds, callback)
func airconAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

func stateTable(L *lua.LState, st climate.State) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(st.ID))
	t.RawSetString("name", lua.LString(st.Name))
	t.RawSetString("hvac_mode", lua.LString(st.HVACMode))
	t.RawSetString("hvac_action", lua.LString(st.HVACAction))
	t.RawSetString("temperature", lua.LNumber(st.TargetTemperature))
	if st.CurrentTemperature != nil {
		t.RawSetString("current_temperature", lua.LNumber(*st.CurrentTemperature))
	}
	t.RawSetString("fan_mode", lua.LString(st.FanMode))
	t.RawSetString("swing_mode", lua.LString(st.SwingMode))
	return t
}
