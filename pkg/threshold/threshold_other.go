//go:build !linux

package threshold

// filesystemCapacity has no portable implementation outside Linux; a
// percentage threshold is a configuration error elsewhere (spec §4.3).
func filesystemCapacity(dir string) (int64, error) {
	return 0, ErrPercentageUnsupported
}
