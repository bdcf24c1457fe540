//go:build wasm

package wasmscript

// The host module "env" provides these imports. Strings are passed as
// pointer and length.

//go:wasmimport env log_debug
func logDebug(ptr, length uint32)

//go:wasmimport env log_info
func logInfo(ptr, length uint32)

//go:wasmimport env log_error
func logError(ptr, length uint32)

// LogDebug writes msg to the host log at debug level.
func LogDebug(msg string) { logString(logDebug, msg) }

// LogInfo writes msg to the host log at info level.
func LogInfo(msg string) { logString(logInfo, msg) }

// LogError writes msg to the host log at error level.
func LogError(msg string) { logString(logError, msg) }

func logString(fn func(uint32, uint32), msg string) {
	if msg == "" {
		return
	}
	ptr := Alloc(uint32(len(msg)))
	WriteBytes(ptr, []byte(msg))
	fn(ptr, uint32(len(msg)))
}
