package topology

import (
	"fmt"
	"sort"
	"strings"
)

var presets = map[string]Counts{
	"st":     {RoleStandalone: 1},
	"i2":     {RoleStandalone: 2},
	"i3":     {RoleStandalone: 3},
	"m1":     {RoleSupplier: 1},
	"m2":     {RoleSupplier: 2},
	"m3":     {RoleSupplier: 3},
	"m4":     {RoleSupplier: 4},
	"m1c1":   {RoleSupplier: 1, RoleConsumer: 1},
	"m2c2":   {RoleSupplier: 2, RoleConsumer: 2},
	"m1h1c1": {RoleSupplier: 1, RoleHub: 1, RoleConsumer: 1},
}

// Preset returns the counts of a named layout.  The "topology_" prefix used
// by some suites is accepted.
func Preset(name string) (Counts, error) {
	name = strings.TrimPrefix(strings.ToLower(name), "topology_")

	counts, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}

	out := make(Counts, len(counts))
	for role, count := range counts {
		out[role] = count
	}
	return out, nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
