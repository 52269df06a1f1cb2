package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
// Files without a version field are treated as current.
const CurrentVersion = 1

// VersionError reports a configuration file this build cannot read.
type VersionError struct {
	Version int
	Current int
}

// Newer reports whether the file was written for a later build.
func (e *VersionError) Newer() bool {
	return e.Version > e.Current
}

func (e *VersionError) Error() string {
	if e.Newer() {
		return fmt.Sprintf("config version %d requires a newer codeloop (this build reads version %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported; set version: %d", e.Version, e.Current)
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion}
}
