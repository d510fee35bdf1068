// Package sourcebuf schedules append and remove operations against media
// buffers that can only run one operation at a time.
//
// Every call returns a [Future] immediately. Operations queue per buffer in
// submission order; consecutive appends that share codec, timestamp offset
// and append window are concatenated into one resource call. Exactly one
// unit of work is in flight per buffer, and each operation settles exactly
// once: resolved with the buffered ranges, rejected with a [*ResourceError],
// or rejected with [ErrCancelled] when the buffer is aborted or disposed.
//
// [Local] drives a [Resource] in the same process. [Remote] offers the same
// contract for a resource behind a message boundary, correlating requests
// and responses by operation id; the wire side lives in package remote.
package sourcebuf
