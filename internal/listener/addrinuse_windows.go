//go:build windows

package listener

import "golang.org/x/sys/windows"

var errAddrInUse error = windows.WSAEADDRINUSE
