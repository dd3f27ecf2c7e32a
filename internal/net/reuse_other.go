//go:build !unix

package net

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }
