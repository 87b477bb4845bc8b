//go:build !unix

package docstore

import "os"

func lockDir(string) (*os.File, error) {
	return nil, nil
}

func unlockDir(*os.File) error {
	return nil
}
