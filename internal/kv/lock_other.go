//go:build !unix

package kv

// Advisory locking is only available on unix; elsewhere the store relies on
// the caller not sharing a path between processes.
type fileLock struct{}

func acquireFileLock(path string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() error {
	return nil
}
