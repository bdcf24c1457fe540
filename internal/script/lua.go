package script

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// LuaRuntime loads Lua scripts with gopher-lua. Prelude, if set, runs in
// every new state before the script itself.
type LuaRuntime struct {
	Prelude     []byte
	PreludeName string
}

// Load creates a Lua state, binds the host functions and runs the prelude
// and the script body.
func (r *LuaRuntime) Load(ctx context.Context, key string, content []byte) (Instance, error) {
	L := lua.NewState()
	inst := &luaInstance{L: L, key: key}
	inst.bind()

	L.SetContext(ctx)
	defer L.RemoveContext()

	if len(r.Prelude) > 0 {
		name := r.PreludeName
		if name == "" {
			name = "prelude"
		}
		if err := inst.run(r.Prelude, name); err != nil {
			L.Close()
			return nil, fmt.Errorf("script: load prelude: %w", err)
		}
	}

	if err := inst.run(content, key); err != nil {
		L.Close()
		return nil, fmt.Errorf("script: load %s: %w", key, err)
	}

	return inst, nil
}

type luaInstance struct {
	L    *lua.LState
	key  string
	call *Call
}

func (i *luaInstance) run(src []byte, name string) error {
	fn, err := i.L.Load(bytes.NewReader(src), name)
	if err != nil {
		return err
	}
	i.L.Push(fn)
	defer i.L.SetTop(0)

	return i.L.PCall(0, lua.MultRet, nil)
}

func (i *luaInstance) Invoke(ctx context.Context, entrypoint string, call *Call) error {
	L := i.L
	fn := L.GetGlobal(entrypoint)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("%w: %s in %s", ErrNoEntrypoint, entrypoint, i.key)
	}

	i.call = call
	defer func() { i.call = nil }()

	env := L.NewTable()
	for k, v := range call.Env {
		env.RawSetString(k, lua.LString(v))
	}
	L.SetGlobal("Env", env)

	info := L.NewTable()
	info.RawSetString("State", lua.LNumber(call.Slot))
	info.RawSetString("Thread", lua.LNumber(call.Worker))
	L.SetGlobal("Info", info)

	L.SetContext(ctx)
	defer L.RemoveContext()
	defer L.SetTop(0)

	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
}

func (i *luaInstance) Close() error {
	i.L.Close()
	return nil
}

// bind registers the host functions and the lf library. They reach the current request through
// i.call, which is only set while Invoke runs.
func (i *luaInstance) bind() {
	L := i.L
	fns := map[string]lua.LGFunction{
		"Header": func(L *lua.LState) int {
			i.response(L).Header(L.CheckString(1), L.OptString(2, ""))
			return 0
		},
		"Send": func(L *lua.LState) int {
			i.response(L).Send(L.CheckString(1))
			return 0
		},
		"Reset": func(L *lua.LState) int {
			i.response(L).Reset()
			return 0
		},
		"RespStatus": func(L *lua.LState) int {
			i.response(L).SetStatus(L.CheckString(1))
			return 0
		},
		"RespContentType": func(L *lua.LState) int {
			i.response(L).SetContentType(L.CheckString(1))
			return 0
		},
		"Log": func(L *lua.LState) int {
			log.Error().
				Str("source", "lua").
				Str("script", i.key).
				Msg(L.CheckString(1))
			return 0
		},
		"Receive": func(L *lua.LState) int {
			c := i.current(L)
			L.Push(lua.LString(c.Body))
			return 1
		},
		"ThreadData": func(L *lua.LState) int {
			c := i.current(L)
			tbl := L.NewTable()
			for k, v := range c.serverInfo() {
				tbl.RawSetString(k, lua.LNumber(v))
			}
			L.Push(tbl)
			return 1
		},
		"Dir": func(L *lua.LState) int {
			L.Push(lua.LString(i.current(L).Dir))
			return 1
		},
		"UrlEncode":  luaURLEncode,
		"UrlDecode":  luaURLDecode,
		"ParseQuery": luaParseQuery,
	}
	for name, fn := range fns {
		L.SetGlobal(name, L.NewFunction(fn))
	}
	openLib(L)
}

func (i *luaInstance) current(L *lua.LState) *Call {
	if i.call == nil {
		L.RaiseError("request functions are not available while loading")
	}

	return i.call
}

func (i *luaInstance) response(L *lua.LState) *Response {
	return i.current(L).Response
}

// luaQueryTable maps single values to strings and repeated keys to arrays.
func luaQueryTable(L *lua.LState, values url.Values) *lua.LTable {
	tbl := L.NewTable()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		vs := values[k]
		if len(vs) == 1 {
			tbl.RawSetString(k, lua.LString(vs[0]))
			continue
		}
		arr := L.NewTable()
		for _, v := range vs {
			arr.Append(lua.LString(v))
		}
		tbl.RawSetString(k, arr)
	}

	return tbl
}
