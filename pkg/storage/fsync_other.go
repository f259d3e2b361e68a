//go:build !linux

package storage

import "os"

func syncData(f *os.File) error {
	return f.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some platforms (windows) cannot fsync a directory handle.
	_ = d.Sync()
	return nil
}
