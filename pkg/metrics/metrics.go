/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type TopoMetrics struct {
	InstancesProvisioned metric.Int64Counter
	AgreementOperations  metric.Int64Counter
	WatchdogEscalations  metric.Int64Counter
	ActiveTopologies     metric.Int64UpDownCounter
}

var (
	topoMetrics     *TopoMetrics
	topoMetricsLock sync.Mutex
)

func GetTopoMetrics() *TopoMetrics {
	topoMetricsLock.Lock()

	if topoMetrics != nil {
		topoMetricsLock.Unlock()
		return topoMetrics
	}

	topoMetrics = newTopoMetrics()

	topoMetricsLock.Unlock()
	return topoMetrics
}

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

var buildVersion string = getBuildVersion()

func newTopoMetrics() *TopoMetrics {
	meter := otel.Meter(
		"com.couchbase.dstopo",
		metric.WithInstrumentationVersion(buildVersion))

	instancesProvisioned, _ := meter.Int64Counter("instances_provisioned_total")
	agreementOperations, _ := meter.Int64Counter("agreement_operations_total")
	watchdogEscalations, _ := meter.Int64Counter("watchdog_escalations_total")
	activeTopologies, _ := meter.Int64UpDownCounter("active_topologies")

	return &TopoMetrics{
		InstancesProvisioned: instancesProvisioned,
		AgreementOperations:  agreementOperations,
		WatchdogEscalations:  watchdogEscalations,
		ActiveTopologies:     activeTopologies,
	}
}

func RoleAttr(role string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("role", role))
}

func OpAttr(op string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("op", op))
}

func SignalAttr(signal string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("signal", signal))
}
