/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package dsinstance

import (
	"context"
	"errors"
)

var (
	ErrNotCreated  = errors.New("instance has not been created")
	ErrNotRunning  = errors.New("instance is not running")
	ErrNoPID       = errors.New("instance has no running process")
	ErrInvalidName = errors.New("invalid server id")
)

// Params fully describes an instance before it is allocated.
type Params struct {
	ServerID   string
	Host       string
	Port       int
	SecurePort int
	Role       Role
	ReplicaID  int
	Suffix     string

	// Verbose asks the implementation to log every administrative step.
	Verbose bool
}

// TLSConfig carries the material needed to turn on TLS for one instance.
type TLSConfig struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
}

// Instance is a handle to a single directory server process.  The server
// itself is external; implementations only drive its lifecycle.
type Instance interface {
	ServerID() string
	Host() string
	Port() int
	SecurePort() int
	Role() Role
	ReplicaID() int
	Suffix() string

	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
	Open(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Delete(ctx context.Context) error

	SetConfig(ctx context.Context, key, value string) error
	EnableTLS(ctx context.Context, cfg TLSConfig) error

	// PID returns the operating system process id of the running server.
	PID() (int, error)
}

type Factory interface {
	Allocate(params Params) (Instance, error)
}
