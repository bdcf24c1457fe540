//go:build wasm

package wasmscript

//go:wasmexport Alloc
func exportAlloc(n uint32) uint32 {
	return Alloc(n)
}
