//go:build !linux

package gateway

import "syscall"

func deferAccept(int) func(network, address string, c syscall.RawConn) error { return nil }
