package script

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

// JSRuntime loads JavaScript with goja. Prelude, if set, runs before the
// script in every new VM.
type JSRuntime struct {
	Prelude     []byte
	PreludeName string
}

// Load creates a VM, binds the host functions and runs the script body.
func (r *JSRuntime) Load(ctx context.Context, key string, content []byte) (Instance, error) {
	inst := &jsInstance{vm: goja.New(), key: key}
	if err := inst.bind(); err != nil {
		return nil, fmt.Errorf("script: bind %s: %w", key, err)
	}

	stop := context.AfterFunc(ctx, func() { inst.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		inst.vm.ClearInterrupt()
	}()

	if len(r.Prelude) > 0 {
		name := r.PreludeName
		if name == "" {
			name = "prelude.js"
		}
		if _, err := inst.vm.RunScript(name, string(r.Prelude)); err != nil {
			return nil, fmt.Errorf("script: load prelude: %w", err)
		}
	}

	if _, err := inst.vm.RunScript(key, string(content)); err != nil {
		return nil, fmt.Errorf("script: load %s: %w", key, err)
	}

	return inst, nil
}

type jsInstance struct {
	vm   *goja.Runtime
	key  string
	call *Call
}

func (i *jsInstance) Invoke(ctx context.Context, entrypoint string, call *Call) error {
	fn, ok := goja.AssertFunction(i.vm.Get(entrypoint))
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNoEntrypoint, entrypoint, i.key)
	}

	i.call = call
	defer func() { i.call = nil }()

	if err := i.vm.Set("Env", call.Env); err != nil {
		return err
	}
	if err := i.vm.Set("Info", map[string]any{"State": call.Slot, "Thread": call.Worker}); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { i.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		i.vm.ClearInterrupt()
	}()

	_, err := fn(goja.Undefined())

	return err
}

func (i *jsInstance) Close() error {
	i.vm.Interrupt("closed")
	return nil
}

func (i *jsInstance) bind() error {
	vm := i.vm
	fns := map[string]any{
		"Header": func(fc goja.FunctionCall) goja.Value {
			value := ""
			if v := fc.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
				value = v.String()
			}
			i.current().Response.Header(fc.Argument(0).String(), value)
			return goja.Undefined()
		},
		"Send":            func(s string) { i.current().Response.Send(s) },
		"Reset":           func() { i.current().Response.Reset() },
		"RespStatus":      func(s string) { i.current().Response.SetStatus(s) },
		"RespContentType": func(s string) { i.current().Response.SetContentType(s) },
		"Log": func(s string) {
			log.Error().Str("source", "js").Str("script", i.key).Msg(s)
		},
		"Receive":    func() string { return string(i.current().Body) },
		"ThreadData": func() map[string]int { return i.current().serverInfo() },
		"Dir":        func() string { return i.current().Dir },
		"UrlEncode":  url.QueryEscape,
		"UrlDecode": func(s string) string {
			out, err := url.QueryUnescape(s)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return out
		},
		"ParseQuery": func(s string) map[string]any {
			values, err := url.ParseQuery(s)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			out := make(map[string]any, len(values))
			for k, vs := range values {
				if len(vs) == 1 {
					out[k] = vs[0]
					continue
				}
				arr := make([]any, len(vs))
				for j, v := range vs {
					arr[j] = v
				}
				out[k] = arr
			}
			return out
		},
	}
	for name, fn := range fns {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}

	return nil
}

func (i *jsInstance) current() *Call {
	if i.call == nil {
		panic(i.vm.NewTypeError("request functions are not available while loading"))
	}

	return i.call
}
