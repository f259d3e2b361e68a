//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncData flushes file data and the metadata needed to read it back.
// Segments are append-only, so fdatasync is enough: it still persists the
// file size.
func syncData(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}

// syncDir makes creations, renames and truncations inside dir durable.
func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	for {
		err = unix.Fsync(fd)
		if err != unix.EINTR {
			return err
		}
	}
}
