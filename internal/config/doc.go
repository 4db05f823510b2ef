// Package config defines the declarative gateway configuration model and
// the machinery around it: YAML loading with environment variable
// substitution, structural validation, and hot reload via filesystem
// watching.
//
// A configuration document has the shape:
//
//	apiVersion: dispatch.avdispatch.io/v1alpha1
//	kind: Gateway
//	metadata:
//	  name: edge
//	spec:
//	  listeners: [...]
//	  registry: {...}
//	  routes: [...]
//
// Durations are expressed as Go duration strings ("250ms", "30s", "5m").
// Values support ${VAR} and ${VAR:-default} environment expansion.
package config
