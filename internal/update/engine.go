// Package update decides, from a device's reported build identifier,
// which packages to offer. The rule engine is pure: no I/O, no mutable
// state, directly unit-testable.
package update

// PackageDescriptor describes one update package from the registry.
// Immutable once loaded; the engine only reads it.
type PackageDescriptor struct {
	Name             string `json:"name" toml:"name"`
	Version          string `json:"version" toml:"version"`
	Filename         string `json:"filename" toml:"filename"`
	SizeBytes        int64  `json:"size" toml:"size"`
	Checksum         string `json:"md5" toml:"md5"`
	Description      string `json:"description" toml:"description"`
	MinVersion       string `json:"min_version" toml:"min_version"`
	TargetBuild      string `json:"target_build" toml:"target_build"`
	InstallNotifyURL string `json:"install_notify_url,omitempty" toml:"install_notify_url"`
}

// Evaluate selects the packages to offer a device reporting the given
// build. A descriptor is selected when the device is below its target
// build and at or above its minimum version (when one is set). Results
// keep registry order. An empty target build parses to all zeros, so
// such a descriptor is never selected.
func Evaluate(deviceBuild string, registry []PackageDescriptor) []PackageDescriptor {
	device := ParseBuildVersion(deviceBuild)

	var selected []PackageDescriptor
	for _, pkg := range registry {
		if !device.Less(ParseBuildVersion(pkg.TargetBuild)) {
			continue // already at or past this build
		}
		if pkg.MinVersion != "" {
			min := ParseBuildVersion(pkg.MinVersion)
			if device.Less(min) {
				continue // below the minimum eligible version
			}
		}
		selected = append(selected, pkg)
	}
	return selected
}
