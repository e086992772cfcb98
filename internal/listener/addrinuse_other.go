//go:build !unix && !windows

package listener

import "syscall"

var errAddrInUse error = syscall.EADDRINUSE
