//go:build !plugindyn || !linux

package plugin

// LoadDynamicPlugins is a no-op without the plugindyn build tag. Dynamic
// loading rides on Go's plugin package, which only works on Linux and pins
// the build toolchain, so it stays opt-in.
func LoadDynamicPlugins(dir string) error {
	return nil
}
