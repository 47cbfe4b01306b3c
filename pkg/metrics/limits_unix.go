//go:build unix

package metrics

import "golang.org/x/sys/unix"

// fileLimits records the RLIMIT_NOFILE soft and hard limits.
func fileLimits(out map[string]uint64) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = uint64(rl.Cur)
		out["nofile_hard"] = uint64(rl.Max)
	}
}
