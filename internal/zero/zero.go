// Package zero contains functions to clear data from byte slices and
// multi-byte arrays holding sensitive key material.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear secret material from memory as soon as it is no longer
// needed.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.
// This is used to explicitly clear key material from memory.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}
