package testutil

import (
	"testing"
)

// requireContainers skips t when container-backed tests cannot run: in
// -short mode, or when an earlier attempt to start the container failed
// (typically because no Docker daemon is reachable).
func requireContainers(t *testing.T, name string, startErr error) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in -short mode", name)
	}
	if startErr != nil {
		t.Skipf("%s container unavailable: %v", name, startErr)
	}
}
