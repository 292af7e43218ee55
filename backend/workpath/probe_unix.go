//go:build unix

package workpath

import "golang.org/x/sys/unix"

// checkWritable asks the kernel before anything is created below root.
func checkWritable(root string) error {
	return unix.Access(root, unix.W_OK)
}
