//go:build !linux

package journal

import "os"

func platformFdatasync(f *os.File) error {
	return f.Sync()
}
