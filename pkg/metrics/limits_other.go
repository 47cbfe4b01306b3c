//go:build !unix

package metrics

// fileLimits is a no-op where descriptor limits are not exposed.
func fileLimits(map[string]uint64) {}
