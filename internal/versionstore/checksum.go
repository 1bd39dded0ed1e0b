package versionstore

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// Checksum returns the hex MD5 digest of data, the format uploaders declare
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile streams path through MD5
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SameChecksum compares digests case-insensitively
func SameChecksum(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
