package load

import (
	"github.com/skudasov/vuload"
)

// CheckFromName returns no custom check, handles rely on their stop_if config
func CheckFromName(name string) vuload.RuntimeCheckFunc {
	switch name {
	default:
		vuload.Log().Debugf("no custom check for %s, using stop_if", name)
		return nil
	}
}
