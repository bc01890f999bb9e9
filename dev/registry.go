// Package dev is the device registry sys_devopen consults: a
// name-to-factory table populated once at boot, only the lookup surface the
// syscall dispatcher needs to route DEVOPEN by name.
package dev

import "rv39kernel/defs"
import "rv39kernel/ioiface"

// Factory opens instance instno of a registered device.
type Factory func(instno int) (ioiface.Io_i, defs.Err_t)

var table = map[string]Factory{}

// Register installs f under name, overwriting any previous registration.
// Called once per device during boot, never concurrently with Open.
func Register(name string, f Factory) {
	table[name] = f
}

// Open looks up name and opens instance instno, returning ENODEV if no
// device is registered under that name.
func Open(name string, instno int) (ioiface.Io_i, defs.Err_t) {
	f, ok := table[name]
	if !ok {
		return nil, -defs.ENODEV
	}
	return f(instno)
}
