package testutils

import (
	"context"
	"testing"

	"github.com/couchbaselabs/dstopo/topology"
	"github.com/stretchr/testify/suite"
)

type MemoryTopologySuite struct {
	suite.Suite
}

func TestMemoryTopologySuite(t *testing.T) {
	suite.Run(t, new(MemoryTopologySuite))
}

func (s *MemoryTopologySuite) TestFourSuppliers() {
	topo := CreateMemoryTopology(s.T(), topology.Counts{topology.RoleSupplier: 4}, "dc=example,dc=com")

	s.Len(topo.Suppliers(), 4)
	s.Len(topo.Manager.Agreements(), 12)
}

func (s *MemoryTopologySuite) TestClosedOnCleanup() {
	var topo *MemoryTopology
	s.Run("build", func() {
		topo = CreateMemoryTopology(s.T(), topology.Counts{topology.RoleStandalone: 1}, "")
		s.Len(topo.Factory.Created(), 1)
	})
	s.Empty(topo.Factory.Created())
}

func (s *MemoryTopologySuite) TestDebugEnvKeepsInstances() {
	s.T().Setenv("DSTOPO_DEBUG", "true")

	var topo *MemoryTopology
	s.Run("build", func() {
		topo = CreateMemoryTopology(s.T(), topology.Counts{topology.RoleStandalone: 1}, "")
	})

	s.Equal([]string{"standalone1"}, topo.Factory.Created())
	s.Contains(topo.Factory.Calls("standalone1"), "stop")
	s.NotContains(topo.Factory.Calls("standalone1"), "delete")
}

func (s *MemoryTopologySuite) TestTLSEnvSettingsApply() {
	s.T().Setenv("DSTOPO_TLS", "true")
	s.T().Setenv("DSTOPO_DISABLE_TLS_HOSTNAME_CHECK", "true")

	topo := CreateMemoryTopology(s.T(), topology.Counts{topology.RoleSupplier: 1}, "dc=example,dc=com")

	s.True(topo.TLSEnabled())
	s.Equal("off", topo.Factory.Config("supplier1")["nsslapd-ssl-check-hostname"])
}

type IntegrationSuite struct {
	suite.Suite
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationSuite))
}

func (s *IntegrationSuite) SetupSuite() {
	RequireDsTools(s.T())
}

func (s *IntegrationSuite) TestStandalone() {
	topo := CreateTopology(s.T(), topology.Counts{topology.RoleStandalone: 1}, "", nil)

	inst, err := topo.Standalone()
	s.Require().NoError(err)
	s.Equal("standalone1", inst.ServerID())
}

func (s *IntegrationSuite) TestSupplierReachesConsumer() {
	topo := CreateTopology(s.T(), topology.Counts{
		topology.RoleSupplier: 1,
		topology.RoleConsumer: 1,
	}, GetTestConfig(s.T()).Suffix, nil)

	s.Require().NoError(topo.WaitForReplication(context.Background(),
		topo.Suppliers()[0], topo.Consumers()[0]))
}
