//go:build !linux

package connection

// interface speeds are not exposed portably outside of linux sysfs.
func slowestInterfaceSpeed() int64 {
	return 0
}
