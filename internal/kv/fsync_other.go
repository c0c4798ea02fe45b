//go:build !unix

package kv

// Directories cannot be opened for syncing here; the rename is as durable
// as the platform makes it.
func syncDir(dir string) error {
	return nil
}
