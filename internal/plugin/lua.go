package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"voodoo-go/internal/backend"
)

// luaTarget runs a compiled Lua chunk in a fresh sandboxed state per call.
type luaTarget struct {
	file   string
	cache  *sourceCache
	logger *slog.Logger
}

func (l *luaTarget) String() string { return l.file }

func newSandbox(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)
	return L
}

// Run executes the chunk with CONTROL, args and the browser table set. The
// chunk must return an integer.
func (l *luaTarget) Run(ctx context.Context, c Call) (int, error) {
	proto, err := l.cache.lua(l.file)
	if err != nil {
		return 0, err
	}
	L := newSandbox(ctx)
	defer L.Close()

	control := lua.LValue(lua.LNil)
	if c.Element != nil {
		ud := L.NewUserData()
		ud.Value = c.Element
		control = ud
	}
	L.SetGlobal("CONTROL", control)

	args := L.NewTable()
	for i, a := range c.Args {
		args.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("args", args)

	registerBrowserModule(ctx, L, c.Driver)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		l.logger.Info("lua plugin log", "file", l.file, "msg", L.CheckString(1))
		return 0
	}))

	fn := L.NewFunctionFromProto(proto)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
			errStr = "cancelled"
		}
		return 0, fmt.Errorf("lua plugin %s: %s", l.file, errStr)
	}
	ret := L.Get(-1)
	L.Pop(1)
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("%w: lua plugin %s returned %s, want integer", ErrPluginFailed, l.file, ret.Type())
	}
	if f := float64(n); f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: lua plugin %s returned %v, want integer", ErrPluginFailed, l.file, f)
	}
	return int(n), nil
}

// registerBrowserModule installs the `browser` global table.
func registerBrowserModule(ctx context.Context, L *lua.LState, drv backend.Driver) {
	mod := L.NewTable()

	mod.RawSetString("url", L.NewFunction(func(L *lua.LState) int {
		u, err := drv.CurrentURL(ctx)
		if err != nil {
			L.RaiseError("url: %v", err)
		}
		L.Push(lua.LString(u))
		return 1
	}))

	mod.RawSetString("title", L.NewFunction(func(L *lua.LState) int {
		t, err := drv.Title(ctx)
		if err != nil {
			L.RaiseError("title: %v", err)
		}
		L.Push(lua.LString(t))
		return 1
	}))

	mod.RawSetString("attribute", L.NewFunction(func(L *lua.LState) int {
		el := checkElement(L, 1)
		v, err := drv.Attribute(ctx, el, L.CheckString(2))
		if err != nil {
			L.RaiseError("attribute: %v", err)
		}
		L.Push(lua.LString(v))
		return 1
	}))

	mod.RawSetString("text", L.NewFunction(func(L *lua.LState) int {
		el := checkElement(L, 1)
		v, err := drv.Text(ctx, el)
		if err != nil {
			L.RaiseError("text: %v", err)
		}
		L.Push(lua.LString(v))
		return 1
	}))

	// browser.execute_script(code [, element])
	mod.RawSetString("execute_script", L.NewFunction(func(L *lua.LState) int {
		code := L.CheckString(1)
		var (
			res any
			err error
		)
		if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
			res, err = drv.ExecuteScript(ctx, code, checkElement(L, 2))
		} else {
			res, err = drv.ExecuteScript(ctx, code)
		}
		if err != nil {
			L.RaiseError("execute_script: %v", err)
		}
		L.Push(goToLua(L, res))
		return 1
	}))

	L.SetGlobal("browser", mod)
}

func checkElement(L *lua.LState, n int) backend.Element {
	ud := L.CheckUserData(n)
	if ud.Value == nil {
		L.ArgError(n, "element expected")
	}
	return ud.Value
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
