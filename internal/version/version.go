package version

// Version - set at build time via -ldflags -X; "dev" otherwise
var version = "dev"

// Version returns the version number supplied during build
func Version() string {
	return version
}
