package dsinstance

import (
	"fmt"
	"strings"
)

type Role int

const (
	RoleStandalone Role = iota
	RoleSupplier
	RoleHub
	RoleConsumer
)

// AllRoles lists every role in canonical provisioning order.
var AllRoles = []Role{RoleStandalone, RoleSupplier, RoleHub, RoleConsumer}

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleSupplier:
		return "supplier"
	case RoleHub:
		return "hub"
	case RoleConsumer:
		return "consumer"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// IsReplicated reports whether instances of this role take part in replication.
func (r Role) IsReplicated() bool {
	return r == RoleSupplier || r == RoleHub || r == RoleConsumer
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standalone", "standalones":
		return RoleStandalone, nil
	case "supplier", "suppliers", "master", "masters":
		return RoleSupplier, nil
	case "hub", "hubs":
		return RoleHub, nil
	case "consumer", "consumers":
		return RoleConsumer, nil
	}
	return RoleStandalone, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
