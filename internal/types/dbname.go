// ABOUTME: Allowed database filename set shared by codec and patch layers
// ABOUTME: Names are flat (no path separators) and restricted to known extensions

package types

import (
	"strings"
)

// DatabasePrefixes are the recognised database name stems.
var DatabasePrefixes = []string{"main", "daily"}

// DatabaseExtensions are the recognised database file extensions,
// in the order the build packs them.
var DatabaseExtensions = []string{
	"db", "fp", "hdb", "mdb", "ndb", "pdb", "rmd", "zmd", "sdb", "cfg", "wdb", "info",
}

// LicenseFileName is the license file every bundle carries.
const LicenseFileName = "COPYING"

// AllowedName reports whether name may appear inside a bundle or be the
// target of a patch command. Path separators are forbidden outright;
// beyond that the name must be the license file or <prefix>.<ext> with a
// recognised prefix and extension.
func AllowedName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return false
	}
	if name == LicenseFileName {
		return true
	}

	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return false
	}
	prefix, ext := name[:dot], name[dot+1:]

	var okPrefix bool
	for _, p := range DatabasePrefixes {
		if prefix == p {
			okPrefix = true
			break
		}
	}
	if !okPrefix {
		return false
	}

	for _, e := range DatabaseExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// InfoName returns the manifest filename for a database stem,
// e.g. "daily" -> "daily.info".
func InfoName(db string) string {
	return db + ".info"
}

// StemOf extracts the database stem from a path or filename: anything
// containing "main" maps to "main", everything else to "daily". This
// mirrors how the builder decides which manifest belongs to a bundle.
func StemOf(name string) string {
	if strings.Contains(name, "main") {
		return "main"
	}
	return "daily"
}
