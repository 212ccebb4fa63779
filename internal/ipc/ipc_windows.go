//go:build windows

package ipc

import (
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/mcpcenter/mcpcenter/internal/errs"
)

func listen(path string) (net.Listener, error) {
	l, err := winio.ListenPipe(path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "listening on "+path, err)
	}
	return l, nil
}
