package telemetry

import (
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/attribute"
)

func attrServiceName(name string) attribute.KeyValue {
	return semconv.ServiceName(name)
}

func attrDeploymentEnvironment(env string) attribute.KeyValue {
	return semconv.DeploymentEnvironment(env)
}
