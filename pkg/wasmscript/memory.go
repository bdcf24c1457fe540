package wasmscript

import "unsafe"

// pinned keeps buffers handed to the host reachable until the next request.
var pinned [][]byte

// ResetAllocator releases every buffer returned by Alloc. Handle calls it
// before building a response.
func ResetAllocator() {
	clear(pinned)
	pinned = pinned[:0]
}

// Alloc returns the address of a fresh n-byte buffer that stays valid until
// ResetAllocator.
//
//nolint:gosec // linear memory addresses are 32 bit.
func Alloc(n uint32) uint32 {
	buf := make([]byte, n)
	pinned = append(pinned, buf)

	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// ReadBytes returns a view of length bytes of linear memory at ptr. It is
// only meaningful inside a WASM guest.
//
//nolint:gosec // linear memory access.
func ReadBytes(ptr, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

// WriteBytes copies data into linear memory at ptr.
func WriteBytes(ptr uint32, data []byte) {
	copy(ReadBytes(ptr, uint32(len(data))), data)
}
