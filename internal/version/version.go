// Package version carries the build version, set at link time with
// -ldflags "-X github.com/fabian4/routegate/internal/version.Value=v1.2.3".
package version

var Value = "dev"
