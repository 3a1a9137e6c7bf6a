package journal

import (
	"os"
	"syscall"
)

func platformFdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
