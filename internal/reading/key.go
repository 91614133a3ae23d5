package reading

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Key derives the deterministic cache key for a normalized request. Pure
// function, no I/O: identical input always yields the identical key, and any
// differing field (or a logic-version bump) yields a different one.
//
// Shape: reading:<version>:<locale>:<type>:<sha256 hex of canonical fields>
func Key(norm NormalizedRequest, version string) string {
	fields := []string{
		string(norm.Type),
		norm.FullName,
		norm.BirthDate,
		norm.BirthTime,
		formatCoord(norm.Latitude, norm.HasCoords),
		formatCoord(norm.Longitude, norm.HasCoords),
		norm.TargetDate,
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	hash := hex.EncodeToString(sum[:])

	return fmt.Sprintf("reading:%s:%s:%s:%s", version, norm.Locale, norm.Type, hash)
}

// formatCoord renders a coordinate at fixed precision so the canonical string
// is stable across float representations. Absent coordinates render as a
// distinct marker rather than a fake zero position.
func formatCoord(v float64, present bool) string {
	if !present {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}
