package cmake

import "os"

func isExecutableMode(mode os.FileMode) bool {
	return true
}
