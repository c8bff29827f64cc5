package session

import (
	"context"
	"fmt"

	"github.com/sudosh/sudosh/internal/model"
)

// SystemUIDThreshold is the default uid below which a named target is
// treated as a system account, usable only from the permit list or
// after interactive confirmation.
const SystemUIDThreshold = 1000

// systemAccountPermitList is the short permit list of system accounts
// usable as targets without interactive confirmation.
var systemAccountPermitList = map[string]bool{
	"root": true, "daemon": true, "nobody": true, "www-data": true,
	"postgres": true, "mysql": true,
}

// ResolveTarget turns a requested target name (empty means the default
// elevated identity) into a resolved TargetIdentity, applying the
// system-account gate.
func (c *Controller) ResolveTarget(ctx context.Context, name string) (model.TargetIdentity, error) {
	if name == "" {
		name = model.DefaultTarget
	}

	user, err := c.Identity.LookupUser(ctx, name)
	if err != nil {
		return model.TargetIdentity{}, fmt.Errorf("session: target %q does not resolve to a real account: %w", name, err)
	}

	threshold := c.SystemUIDThreshold
	if threshold == 0 {
		threshold = SystemUIDThreshold
	}
	if user.UID < uint32(threshold) && !systemAccountPermitList[user.Name] {
		if c.Confirm == nil || !c.Confirm.Confirm(ctx, fmt.Sprintf("run as system account %q (uid %d)", user.Name, user.UID)) {
			return model.TargetIdentity{}, fmt.Errorf("session: system account %q refused without confirmation", user.Name)
		}
	}

	return model.TargetIdentity{User: user.Name, UID: user.UID, GID: user.GID}, nil
}
