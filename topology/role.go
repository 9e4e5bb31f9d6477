package topology

import (
	"fmt"
	"strings"

	"github.com/couchbaselabs/dstopo/dsinstance"
)

type Role = dsinstance.Role

const (
	RoleStandalone = dsinstance.RoleStandalone
	RoleSupplier   = dsinstance.RoleSupplier
	RoleHub        = dsinstance.RoleHub
	RoleConsumer   = dsinstance.RoleConsumer
)

// Counts is a role to instance-count request.
type Counts map[Role]int

// ParseCounts converts a map keyed by role name, as found in topology files
// and flags, into Counts.
func ParseCounts(in map[string]int) (Counts, error) {
	counts := make(Counts, len(in))
	for name, count := range in {
		role, err := dsinstance.ParseRole(name)
		if err != nil {
			return nil, err
		}
		counts[role] += count
	}
	return counts, nil
}

func (c Counts) Total() int {
	total := 0
	for _, count := range c {
		if count > 0 {
			total += count
		}
	}
	return total
}

// Replicated reports whether any role other than standalone is requested.
func (c Counts) Replicated() bool {
	for role, count := range c {
		if count > 0 && role.IsReplicated() {
			return true
		}
	}
	return false
}

// Validate checks the request without touching any instance.
func (c Counts) Validate(suffix string) error {
	for role, count := range c {
		if count < 0 {
			return &ConfigError{
				Counts: c,
				Err:    fmt.Errorf("%w: %s=%d", ErrNegativeCount, role, count),
			}
		}
	}

	if c.Total() == 0 {
		return &ConfigError{Counts: c, Err: ErrEmptyTopology}
	}

	if suffix == "" && c.Replicated() {
		return &ConfigError{Counts: c, Err: ErrSuffixlessReplication}
	}

	return nil
}

func (c Counts) String() string {
	var parts []string
	for _, role := range dsinstance.AllRoles {
		if count := c[role]; count != 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", role, count))
		}
	}
	return "{" + strings.Join(parts, " ") + "}"
}
