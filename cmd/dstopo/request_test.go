package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchbaselabs/dstopo/testutils"
	"github.com/couchbaselabs/dstopo/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseTopologyFile(t *testing.T) {
	counts, suffix, err := parseTopologyFile([]byte(`
suffix: dc=example,dc=com
counts:
  suppliers: 2
  hub: 1
  consumers: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", suffix)
	assert.Equal(t, topology.Counts{
		topology.RoleSupplier: 2,
		topology.RoleHub:      1,
		topology.RoleConsumer: 2,
	}, counts)

	counts, _, err = parseTopologyFile([]byte("preset: m1c1\n"))
	require.NoError(t, err)
	assert.Equal(t, topology.Counts{topology.RoleSupplier: 1, topology.RoleConsumer: 1}, counts)

	_, _, err = parseTopologyFile([]byte("preset: m2\ncounts:\n  hubs: 1\n"))
	require.Error(t, err)

	_, _, err = parseTopologyFile([]byte("counts: [1, 2]\n"))
	require.Error(t, err)
}

func TestRequestFlagsNeedExactlyOneSource(t *testing.T) {
	_, _, err := (&requestFlags{}).resolve()
	require.Error(t, err)

	_, _, err = (&requestFlags{preset: "m2", counts: map[string]int{"hub": 1}}).resolve()
	require.Error(t, err)

	counts, _, err := (&requestFlags{counts: map[string]int{"supplier": 3}}).resolve()
	require.NoError(t, err)
	assert.Equal(t, topology.Counts{topology.RoleSupplier: 3}, counts)

	path := filepath.Join(t.TempDir(), "topo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("counts:\n  standalone: 1\n"), 0o600))
	counts, suffix, err := (&requestFlags{file: path}).resolve()
	require.NoError(t, err)
	assert.Empty(t, suffix)
	assert.Equal(t, topology.Counts{topology.RoleStandalone: 1}, counts)
}

func TestDescribeMemoryTopology(t *testing.T) {
	topo := testutils.CreateMemoryTopology(t, topology.Counts{
		topology.RoleSupplier: 2,
		topology.RoleConsumer: 1,
	}, "dc=example,dc=com")

	doc := describe(topo.Topology, "dc=example,dc=com")
	require.Len(t, doc.Instances, 3)
	assert.Equal(t, "supplier1", doc.Instances[0].ServerID)
	assert.Equal(t, 1, doc.Instances[0].ReplicaID)
	assert.Zero(t, doc.Instances[0].SecurePort)
	assert.Len(t, doc.Agreements, 4)

	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, doc))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "dc=example,dc=com", decoded["suffix"])

	instances, ok := decoded["instances"].([]interface{})
	require.True(t, ok)
	first, ok := instances[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "supplier", first["role"])
}

func TestDescribeNil(t *testing.T) {
	assert.Nil(t, describe(nil, ""))
}
