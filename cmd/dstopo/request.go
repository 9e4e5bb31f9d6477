package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/couchbaselabs/dstopo/replication"
	"github.com/couchbaselabs/dstopo/topology"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// topologyFile is the on-disk form of a topology request:
//
//	suffix: dc=example,dc=com
//	counts:
//	  suppliers: 2
//	  consumers: 2
type topologyFile struct {
	Preset string         `yaml:"preset"`
	Suffix string         `yaml:"suffix"`
	Counts map[string]int `yaml:"counts"`
}

type requestFlags struct {
	file   string
	preset string
	counts map[string]int
}

func (f *requestFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.file, "file", "f", "", "a YAML topology file")
	flags.StringVarP(&f.preset, "preset", "p", "", "a named layout, dstopo presets lists them")
	flags.StringToIntVar(&f.counts, "counts", nil, "instances per role, e.g. supplier=2,consumer=1")
}

// resolve returns the requested counts and the suffix named by a topology
// file, if any.
func (f *requestFlags) resolve() (topology.Counts, string, error) {
	sources := 0
	for _, set := range []bool{f.file != "", f.preset != "", len(f.counts) > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, "", errors.New("exactly one of --file, --preset or --counts is required")
	}

	switch {
	case f.preset != "":
		counts, err := topology.Preset(f.preset)
		return counts, "", err
	case len(f.counts) > 0:
		counts, err := topology.ParseCounts(f.counts)
		return counts, "", err
	}

	data, err := os.ReadFile(f.file)
	if err != nil {
		return nil, "", err
	}

	return parseTopologyFile(data)
}

func parseTopologyFile(data []byte) (topology.Counts, string, error) {
	var file topologyFile
	err := yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, "", fmt.Errorf("invalid topology file: %w", err)
	}

	if file.Preset != "" {
		if len(file.Counts) > 0 {
			return nil, "", errors.New("a topology file may name a preset or counts, not both")
		}
		counts, err := topology.Preset(file.Preset)
		return counts, file.Suffix, err
	}

	counts, err := topology.ParseCounts(file.Counts)
	return counts, file.Suffix, err
}

type instanceDoc struct {
	ServerID   string        `yaml:"serverId" json:"serverId"`
	Role       topology.Role `yaml:"role" json:"role"`
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	SecurePort int           `yaml:"securePort,omitempty" json:"securePort,omitempty"`
	ReplicaID  int           `yaml:"replicaId,omitempty" json:"replicaId,omitempty"`
	PID        int           `yaml:"pid,omitempty" json:"pid,omitempty"`
}

type topologyDoc struct {
	RunID      string                  `yaml:"runId,omitempty" json:"runId,omitempty"`
	Suffix     string                  `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	TLS        bool                    `yaml:"tls" json:"tls"`
	Instances  []instanceDoc           `yaml:"instances" json:"instances"`
	Agreements []replication.Agreement `yaml:"agreements,omitempty" json:"agreements,omitempty"`
}

func describe(topo *topology.Topology, suffix string) *topologyDoc {
	if topo == nil {
		return nil
	}

	doc := &topologyDoc{
		RunID:  topo.RunID(),
		Suffix: suffix,
		TLS:    topo.TLSEnabled(),
	}

	for _, inst := range topo.All() {
		pid, _ := inst.PID()

		instDoc := instanceDoc{
			ServerID:  inst.ServerID(),
			Role:      inst.Role(),
			Host:      inst.Host(),
			Port:      inst.Port(),
			ReplicaID: inst.ReplicaID(),
			PID:       pid,
		}
		if doc.TLS {
			instDoc.SecurePort = inst.SecurePort()
		}
		doc.Instances = append(doc.Instances, instDoc)
	}

	if mm, ok := topo.Manager().(*replication.MemoryManager); ok {
		doc.Agreements = mm.Agreements()
	}

	return doc
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(v)
	if err != nil {
		return err
	}
	return enc.Close()
}
