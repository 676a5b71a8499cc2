package model

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the closed set of index formats this module knows about.
type SchemaVersion int

const (
	// VersionUnknown is the zero value; it never appears in a written document.
	VersionUnknown SchemaVersion = iota
	// LegacyV1 is the single-document format that predates modules.
	LegacyV1
	// SplitV2 splits the index into a core and per-module documents.
	SplitV2
	// EnhancedV2_1 adds the file-to-module map, module hashes and the global call graph.
	EnhancedV2_1
	// SubmoduleV2_2 adds multi-level module ids and records the partition settings.
	SubmoduleV2_2
)

// CurrentVersion is the format every write produces.
const CurrentVersion = SubmoduleV2_2

// ErrFutureVersion is returned for well-formed versions newer than CurrentVersion.
var ErrFutureVersion = errors.New("index version is newer than this build supports")

// String returns the version tag written into documents.
func (v SchemaVersion) String() string {
	switch v {
	case LegacyV1:
		return "1.0"
	case SplitV2:
		return "2.0"
	case EnhancedV2_1:
		return "2.1"
	case SubmoduleV2_2:
		return "2.2"
	case VersionUnknown:
		return "unknown"
	}
	return fmt.Sprintf("SchemaVersion(%d)", int(v))
}

// Native reports whether documents of this version are read without migration.
func (v SchemaVersion) Native() bool {
	switch v {
	case SplitV2, EnhancedV2_1, SubmoduleV2_2:
		return true
	case LegacyV1, VersionUnknown:
		return false
	}
	return false
}

// HasModuleMap reports whether the core carries file_to_module_map.
func (v SchemaVersion) HasModuleMap() bool {
	switch v {
	case EnhancedV2_1, SubmoduleV2_2:
		return true
	case LegacyV1, SplitV2, VersionUnknown:
		return false
	}
	return false
}

// HasModuleHashes reports whether the core carries module_hashes.
func (v SchemaVersion) HasModuleHashes() bool {
	return v.HasModuleMap()
}

// ParseVersion maps a version tag such as "2.1" or "v2.0-split" onto the
// closed set of known formats.
func ParseVersion(tag string) (SchemaVersion, error) {
	sv, err := semver.NewVersion(tag)
	if err != nil {
		return VersionUnknown, fmt.Errorf("parsing version %q: %w", tag, err)
	}
	switch sv.Major() {
	case 0:
		return VersionUnknown, fmt.Errorf("parsing version %q: no major version", tag)
	case 1:
		return LegacyV1, nil
	case 2:
		switch sv.Minor() {
		case 0:
			return SplitV2, nil
		case 1:
			return EnhancedV2_1, nil
		case 2:
			return SubmoduleV2_2, nil
		}
	}
	return VersionUnknown, fmt.Errorf("%w: %s (newest known %s)", ErrFutureVersion, tag, CurrentVersion)
}
