//go:build !windows

package ipc

import (
	"net"
	"os"

	"github.com/mcpcenter/mcpcenter/internal/errs"
)

func listen(path string) (net.Listener, error) {
	// A prior daemon's unclean exit can leave the socket file behind;
	// Supervisor's pid-file lock is what actually guards against two live
	// daemons, so it's safe to clear a stale file here.
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "listening on "+path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		l.Close()
		return nil, errs.Wrap(errs.ErrInternal, "restricting permissions on "+path, err)
	}
	return l, nil
}
