//go:build unix

package listener

import "golang.org/x/sys/unix"

var errAddrInUse error = unix.EADDRINUSE
