/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strconv"
	"testing"
)

type Config struct {
	Suffix      string
	Host        string
	PortOffset  int
	TLS         bool
	Integration bool
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			Suffix: "dc=example,dc=com",
			Host:   "localhost",
		}

		envSuffix := os.Getenv("DSTEST_SUFFIX")
		if envSuffix != "" {
			testConfig.Suffix = envSuffix
		}

		envHost := os.Getenv("DSTEST_HOST")
		if envHost != "" {
			testConfig.Host = envHost
		}

		envPortOffset := os.Getenv("DSTEST_PORT_OFFSET")
		if envPortOffset != "" {
			offset, err := strconv.Atoi(envPortOffset)
			if err != nil {
				t.Fatalf("invalid DSTEST_PORT_OFFSET %q: %v", envPortOffset, err)
			}
			testConfig.PortOffset = offset
		}

		testConfig.TLS, _ = strconv.ParseBool(os.Getenv("DSTEST_TLS"))
		testConfig.Integration, _ = strconv.ParseBool(os.Getenv("DSTEST_INTEGRATION"))

		t.Logf("initialized test configuration")
		t.Logf("  suffix: %s", testConfig.Suffix)
		t.Logf("  host: %s", testConfig.Host)
		t.Logf("  port offset: %d", testConfig.PortOffset)
		t.Logf("  tls: %t", testConfig.TLS)
		t.Logf("  integration: %t", testConfig.Integration)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}
