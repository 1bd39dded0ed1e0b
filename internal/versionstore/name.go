package versionstore

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hochfrequenz/coreci/internal/domain"
)

const archiveExt = ".zip"

// ParseName parses an archive filename of the form
// <os>-<major>.<minor>.<patch>[.<build>...][-<suffix>].zip,
// e.g. windows-0.2.0.240909-0.2.0.zip. Checksum and dates are left empty.
func ParseName(filename string) (domain.BuildVersion, error) {
	if filename == "" || filepath.Base(filename) != filename || strings.ContainsAny(filename, `/\`) {
		return domain.BuildVersion{}, fmt.Errorf("%w: %q", domain.ErrInvalidNameFormat, filename)
	}
	if !strings.HasSuffix(filename, archiveExt) {
		return domain.BuildVersion{}, fmt.Errorf("%w: %q has no %s suffix", domain.ErrInvalidNameFormat, filename, archiveExt)
	}
	name := strings.TrimSuffix(filename, archiveExt)

	segments := strings.Split(name, "-")
	if len(segments) < 2 || segments[0] == "" {
		return domain.BuildVersion{}, fmt.Errorf("%w: %q (expected <os>-<version>.zip)", domain.ErrInvalidNameFormat, filename)
	}

	parts := strings.Split(segments[1], ".")
	if len(parts) < 3 {
		return domain.BuildVersion{}, fmt.Errorf("%w: version %q needs at least major.minor.patch", domain.ErrInvalidNameFormat, segments[1])
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 64); err != nil {
			return domain.BuildVersion{}, fmt.Errorf("%w: version component %q is not numeric", domain.ErrInvalidNameFormat, p)
		}
	}

	osName := strings.ToLower(segments[0])
	if !domain.ValidOS(osName) {
		return domain.BuildVersion{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedOS, segments[0])
	}

	return domain.BuildVersion{
		Name:          name,
		OS:            osName,
		VersionPrefix: strings.Join(parts[:3], "."),
	}, nil
}
