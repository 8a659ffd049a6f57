// Package versioning implements semantic-version negotiation between
// the runtime and its upstream control plane.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
)

// Negotiate checks whether the runtime can serve the requested contract
// version. Compatibility requires equal majors and a runtime
// (minor, patch) at or above the request. On success it returns the
// runtime version as the settled contract version; otherwise it raises
// version_mismatch.
func Negotiate(runtimeVersion, requestedVersion string) (string, error) {
	runtime, err := semver.NewVersion(runtimeVersion)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.CodeVersionMismatch,
			fmt.Errorf("invalid runtime version %q: %w", runtimeVersion, err))
	}
	requested, err := semver.NewVersion(requestedVersion)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.CodeVersionMismatch,
			fmt.Errorf("invalid requested version %q: %w", requestedVersion, err))
	}

	if runtime.Major() != requested.Major() {
		return "", taxonomy.NewError(taxonomy.CodeVersionMismatch,
			fmt.Sprintf("major version mismatch: runtime %s, requested %s", runtime, requested))
	}
	if runtime.Minor() < requested.Minor() ||
		(runtime.Minor() == requested.Minor() && runtime.Patch() < requested.Patch()) {
		return "", taxonomy.NewError(taxonomy.CodeVersionMismatch,
			fmt.Sprintf("runtime %s is older than requested %s", runtime, requested))
	}
	return runtime.String(), nil
}

// Compatible reports whether Negotiate would succeed.
func Compatible(runtimeVersion, requestedVersion string) bool {
	_, err := Negotiate(runtimeVersion, requestedVersion)
	return err == nil
}
