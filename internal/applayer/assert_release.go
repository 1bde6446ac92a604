//go:build !applayerdebug

package applayer

const debugAssertions = false

func assertf(bool, string, ...any) {}
