// Package ipc provides a platform-neutral local listener: a Unix-domain
// socket everywhere but Windows, a named pipe there, so ControlListener and
// RpcListener can bind one path without caring which.
package ipc

import "net"

// Listen opens a local-only listener at path, removing any stale socket
// file left behind by a prior crashed daemon first (Unix only; Windows
// named pipes have no such leftover).
func Listen(path string) (net.Listener, error) {
	return listen(path)
}
