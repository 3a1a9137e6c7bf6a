package journal

import "os"

// fdatasync flushes the data of f without forcing a metadata sync where the
// platform allows it. A failure leaves the segment in an unknown state; the
// journal refuses further writes after one.
func fdatasync(f *os.File) error {
	return platformFdatasync(f)
}
