//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule installs the `system` table: clock helpers for
// schedules and a logger.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	mod.RawSetString("is_weekend", L.NewFunction(func(L *lua.LState) int {
		wd := e.now().Weekday()
		L.Push(lua.LBool(wd == time.Saturday || wd == time.Sunday))
		return 1
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level, msg := L.CheckString(1), L.CheckString(2)
		e.logger.Log(context.Background(), scriptLogLevel(level), "script log", "msg", msg)
		return 0
	}))
	L.SetGlobal("system", mod)
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(now))
	return 1
}

// systemTimeBetween reports whether now lies in [from, to). Bounds are hours
// (22) or "HH:MM" strings ("22:30"); a range with from > to wraps past
// midnight, e.g. a night setback from 22:30 to 06:00.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := clockArg(L, 1)
	to := clockArg(L, 2)
	cur := now.Hour()*60 + now.Minute()

	var in bool
	if from <= to {
		in = cur >= from && cur < to
	} else {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// clockArg reads argument n as minutes since midnight.
func clockArg(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, fmt.Sprintf("hour out of range: %d", h))
		}
		return h * 60
	case lua.LString:
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(string(v)), "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			L.ArgError(n, "want HH:MM, got "+string(v))
		}
		return h*60 + m
	default:
		L.ArgError(n, "want an hour or an HH:MM string")
		return 0
	}
}

func scriptLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
