//go:build linux

// ABOUTME: Reads the kernel-reported credentials of a unix socket peer
// ABOUTME: Used to label sessions with the connecting process uid and pid

package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCred returns "uid=N pid=N" for a unix socket peer, or "" when the
// connection is not a unix socket or the kernel refuses SO_PEERCRED.
func peerCred(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ""
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ""
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil || cred == nil {
		return ""
	}
	return fmt.Sprintf("uid=%d pid=%d", cred.Uid, cred.Pid)
}
