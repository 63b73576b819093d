//go:build !linux

package safetensors

import "errors"

// ErrLocked is returned by Lock when another writer holds the file.
var ErrLocked = errors.New("safetensors: file is locked by another writer")

// Lock is a no-op on platforms without flock.
func Lock(_ string) (func() error, error) {
	return func() error { return nil }, nil
}
