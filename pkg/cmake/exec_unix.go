//go:build !windows

package cmake

import "os"

func isExecutableMode(mode os.FileMode) bool {
	return mode.Perm()&0111 != 0
}
