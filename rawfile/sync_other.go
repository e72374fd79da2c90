//go:build !linux

package rawfile

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
