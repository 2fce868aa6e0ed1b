//go:build !darwin && !linux

package storage

// Without statfs support every path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "", errDetectionUnsupported
}
