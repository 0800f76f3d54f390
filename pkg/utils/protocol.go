package utils

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// CheckProtocolVersion checks if the protocol version announced by the server
// is compatible with the requested one. Only the major version must match and
// the server must not be older than requested.
func CheckProtocolVersion(requested, announced string) error {
	if announced == "" {
		// server didn't announce anything, we have to trust it
		return nil
	}
	req := toSemver(requested)
	ann := toSemver(announced)
	if !semver.IsValid(req) {
		return fmt.Errorf("invalid requested protocol version %q", requested)
	}
	if !semver.IsValid(ann) {
		return fmt.Errorf("invalid announced protocol version %q", announced)
	}
	if semver.Major(req) != semver.Major(ann) {
		return fmt.Errorf("protocol major version mismatch: requested %s, got %s",
			requested, announced)
	}
	if semver.Compare(ann, req) < 0 {
		return fmt.Errorf("protocol version %s is older than requested %s",
			announced, requested)
	}
	return nil
}

func toSemver(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
