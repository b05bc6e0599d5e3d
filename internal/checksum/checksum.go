package checksum

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// FileSHA256 calculates the SHA256 hash of a file and returns it together
// with the file size in bytes.
func FileSHA256(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}

// Verify re-hashes the file at path and compares against the expected hash.
// It returns false without an error when the hashes differ.
func Verify(path, expected string) (bool, error) {
	actual, _, err := FileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
