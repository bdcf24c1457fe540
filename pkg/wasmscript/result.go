package wasmscript

// PackResult combines a pointer and a length into the entrypoint result.
func PackResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackResult splits a packed entrypoint argument or result.
func UnpackResult(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// Handle serves one request inside the guest. The request buffer was filled
// by the host through Alloc before the call.
func Handle(packed uint64, fn func(*Request, *Response) error) uint64 {
	ptr, length := UnpackResult(packed)
	in := make([]byte, length)
	copy(in, ReadBytes(ptr, length))
	ResetAllocator()

	out := Process(in, fn)
	outPtr := Alloc(uint32(len(out)))
	WriteBytes(outPtr, out)

	return PackResult(outPtr, uint32(len(out)))
}
