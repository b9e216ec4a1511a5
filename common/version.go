// Package common holds process-wide helpers shared by the binaries.
package common

var (
	// Version is set at build time with -ldflags "-X github.com/ruteri/tee-solver-registry/common.Version=..."
	Version = "dev"

	PackageName = "github.com/ruteri/tee-solver-registry"
)
