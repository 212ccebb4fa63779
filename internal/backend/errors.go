package backend

import (
	"fmt"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

func errUnknownTransport(t configstore.Transport) error {
	return errs.NewError(errs.ErrConfigValidation, fmt.Sprintf("unknown transport %q", t), nil)
}
