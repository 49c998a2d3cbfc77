package changemarker

import "golang.org/x/sys/unix"

var errNoAttr error = unix.ENODATA
