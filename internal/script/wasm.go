package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrei-cloud/go_fcgid/pkg/wasmscript"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmRuntime loads WASM modules with wazero.
//
// A module must export its memory, an Alloc(size i32) i32 function and the
// entrypoint. The entrypoint takes the packed ptr<<32|len of a JSON request
// envelope and returns the packed ptr<<32|len of a JSON response envelope.
// Reactor modules have _initialize called once per instance on load.
type WasmRuntime struct {
	rt wazero.Runtime
}

// NewWasmRuntime creates the wazero runtime with WASI and the "env" host
// module (log_debug, log_info, log_error).
func NewWasmRuntime(ctx context.Context) (*WasmRuntime, error) {
	rt := wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("script: instantiate wasi: %w", err)
	}

	env := rt.NewHostModuleBuilder("env")
	env.NewFunctionBuilder().WithFunc(hostLog(zerolog.DebugLevel)).Export("log_debug")
	env.NewFunctionBuilder().WithFunc(hostLog(zerolog.InfoLevel)).Export("log_info")
	env.NewFunctionBuilder().WithFunc(hostLog(zerolog.ErrorLevel)).Export("log_error")
	if _, err := env.Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("script: instantiate env module: %w", err)
	}

	return &WasmRuntime{rt: rt}, nil
}

func hostLog(level zerolog.Level) func(context.Context, api.Module, uint32, uint32) {
	return func(_ context.Context, m api.Module, ptr, length uint32) {
		data, err := readMemory(m, ptr, length)
		if err != nil {
			log.Error().Err(err).Msg("failed to read wasm log message")
			return
		}
		log.WithLevel(level).
			Str("source", "wasm").
			Str("module", m.Name()).
			Msg(string(data))
	}
}

// Load compiles and instantiates content. Every instance gets a unique module
// name so several slots of the same key can live in one runtime.
func (r *WasmRuntime) Load(ctx context.Context, key string, content []byte) (Instance, error) {
	compiled, err := r.rt.CompileModule(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", key, err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(key + "#" + uuid.NewString()).
		WithStartFunctions()

	mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("script: instantiate %s: %w", key, err)
	}

	inst := &wasmInstance{key: key, mod: mod, compiled: compiled}
	switch {
	case mod.ExportedMemory("memory") == nil:
		err = errors.New("module does not export memory")
	case mod.ExportedFunction("Alloc") == nil:
		err = errors.New("module does not export Alloc")
	default:
		err = initialize(ctx, mod)
	}
	if err != nil {
		_ = inst.Close()
		return nil, fmt.Errorf("script: load %s: %w", key, err)
	}
	inst.alloc = mod.ExportedFunction("Alloc")

	return inst, nil
}

// initialize runs the reactor entry point of modules built with
// -buildmode=c-shared. The Go runtime of such a guest only starts there.
func initialize(ctx context.Context, mod api.Module) error {
	fn := mod.ExportedFunction("_initialize")
	if fn == nil {
		return nil
	}
	if _, err := fn.Call(ctx); err != nil {
		return fmt.Errorf("_initialize failed: %w", err)
	}

	return nil
}

// Close closes the runtime and every module instantiated from it.
func (r *WasmRuntime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

type wasmInstance struct {
	key      string
	mod      api.Module
	compiled wazero.CompiledModule
	alloc    api.Function
}

func (i *wasmInstance) Invoke(ctx context.Context, entrypoint string, call *Call) error {
	exec := i.mod.ExportedFunction(entrypoint)
	if exec == nil {
		return fmt.Errorf("%w: %s in %s", ErrNoEntrypoint, entrypoint, i.key)
	}

	payload, err := wasmscript.EncodeRequest(&wasmscript.Request{
		Key:        call.Key,
		Dir:        call.Dir,
		Env:        call.Env,
		Body:       string(call.Body),
		Slot:       call.Slot,
		Worker:     call.Worker,
		ServerInfo: call.serverInfo(),
	})
	if err != nil {
		return err
	}

	ptr, err := allocBuffer(ctx, i.mod, i.alloc, payload)
	if err != nil {
		return err
	}

	packed, err := callEntrypoint(ctx, exec, ptr, uint32(len(payload)))
	if err != nil {
		return err
	}

	outPtr, outLen := wasmscript.UnpackResult(packed)
	if outLen == 0 {
		return nil
	}
	data, err := readMemory(i.mod, outPtr, outLen)
	if err != nil {
		return err
	}

	out, err := wasmscript.DecodeResponse(data)
	if err != nil {
		return err
	}
	if out.Error != "" {
		return errors.New(out.Error)
	}

	resp := call.Response
	if out.Status != "" {
		resp.SetStatus(out.Status)
	}
	if out.ContentType != "" {
		resp.SetContentType(out.ContentType)
	}
	for _, h := range out.Headers {
		resp.Header(h.Name, h.Value)
	}
	resp.Send(out.Body)

	return nil
}

func (i *wasmInstance) Close() error {
	ctx := context.Background()
	err := i.mod.Close(ctx)

	return errors.Join(err, i.compiled.Close(ctx))
}

// allocBuffer allocates guest memory through Alloc and copies data into it.
func allocBuffer(ctx context.Context, mod api.Module, alloc api.Function, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, errors.New("buffer length is zero")
	}

	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) < 1 {
		return 0, errors.New("alloc returned no results")
	}

	ptr := api.DecodeU32(results[0])
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		return 0, errors.New("no memory exported")
	}
	if !mem.Write(ptr, data) {
		return 0, errors.New("memory write failed: bounds exceeded")
	}

	return ptr, nil
}

// callEntrypoint invokes fn with the packed pointer and length.
func callEntrypoint(ctx context.Context, fn api.Function, ptr, length uint32) (uint64, error) {
	results, err := fn.Call(ctx, wasmscript.PackResult(ptr, length))
	if err != nil {
		return 0, fmt.Errorf("execution failed: %w", err)
	}
	if len(results) < 1 {
		return 0, errors.New("invalid execution result")
	}

	return results[0], nil
}

func readMemory(mod api.Module, ptr, size uint32) ([]byte, error) {
	if mod == nil {
		return nil, errors.New("nil module")
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		return nil, errors.New("no memory exported")
	}
	data, ok := mem.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at %d[%d]", ptr, size)
	}

	return data, nil
}
