// Package memsource simulates media buffers and their container in memory.
// Buffers place appended bytes on a timeline at a fixed byte rate, honour
// timestamp offsets and append windows, enforce a byte capacity, and signal
// every operation asynchronously, one operation at a time.
package memsource
