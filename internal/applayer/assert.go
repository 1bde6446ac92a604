//go:build applayerdebug

package applayer

import "fmt"

const debugAssertions = true

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("applayer: assertion failed: "+format, args...))
	}
}
