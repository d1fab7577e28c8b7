//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"unsafe"
)

// Strings returned by these functions must be released with FreeString.
// A NULL return means the call failed; GetLastError describes why.

//export Init
// Init opens the queue in dataDir and replays it against baseURL.
// Returns 0 on success, -1 on error.
func Init(dataDir, baseURL, token *C.char) C.int {
	err := initCore(context.Background(), C.GoString(dataDir), C.GoString(baseURL), C.GoString(token))
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Cleanup
// Cleanup closes the queue.
func Cleanup() {
	setLastError(cleanupCore())
}

//export GetLastError
// GetLastError returns the last error message.
func GetLastError() *C.char {
	return C.CString(getLastError())
}

//export Enqueue
// Enqueue queues one action. data is the payload JSON of actionType;
// priority is 0 (high), 1 (normal) or 2 (low). Returns the record as JSON.
func Enqueue(actionType, resourceID, data *C.char, priority C.int) *C.char {
	return result(enqueue(context.Background(), C.GoString(actionType), C.GoString(resourceID), C.GoString(data), int(priority)))
}

//export RunOnce
// RunOnce drains the due actions and returns the run summary as JSON.
func RunOnce() *C.char {
	return result(runOnce(context.Background()))
}

//export Outstanding
// Outstanding returns the per-status record counts as JSON.
func Outstanding() *C.char {
	return result(outstanding(context.Background()))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}
