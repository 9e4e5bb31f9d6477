/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package replication

import (
	"context"
	"fmt"

	"github.com/couchbaselabs/dstopo/dsinstance"
)

// Agreement is a directed replication edge: changes on From flow to To for
// the given suffix.
type Agreement struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Suffix string `yaml:"suffix"`
}

func (a Agreement) String() string {
	return fmt.Sprintf("%s->%s", a.From, a.To)
}

// Name is the agreement name used on the wire when creating the agreement on
// the supplying server.
func (a Agreement) Name() string {
	return a.From + "-to-" + a.To
}

// Manager is the set of replication primitives the mesh builder relies on.
// Every method is idempotent: invoking it for something that already exists
// leaves the existing state in place and succeeds.
type Manager interface {
	// CreateFirstSupplier gives the seed supplier its replica identity.
	CreateFirstSupplier(ctx context.Context, seed dsinstance.Instance) error

	// JoinSupplier initialises supplier from seed and creates agreements in
	// both directions between them.
	JoinSupplier(ctx context.Context, seed, supplier dsinstance.Instance) error

	// JoinHub initialises hub from seed and creates the seed->hub agreement.
	JoinHub(ctx context.Context, seed, hub dsinstance.Instance) error

	// JoinConsumer initialises consumer from feeder and creates the
	// feeder->consumer agreement.
	JoinConsumer(ctx context.Context, feeder, consumer dsinstance.Instance) error

	EnsureAgreement(ctx context.Context, from, to dsinstance.Instance) error

	// WaitForReplication blocks until changes made on from are visible on to.
	WaitForReplication(ctx context.Context, from, to dsinstance.Instance) error

	PauseAgreements(ctx context.Context, inst dsinstance.Instance) error
	ResumeAgreements(ctx context.Context, inst dsinstance.Instance) error
}
