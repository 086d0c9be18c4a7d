// Copyright 2025 James Ross
package backend

// Compile-time assertions that each concrete backend satisfies Backend.
// Kubernetes, Containerd, and Fly all talk to a real external system
// (an API server, a containerd socket, a Fly app) that has no lightweight
// in-pack fake; exercising ScaleTo/CurrentWorkers end to end is left to
// integration testing against those systems, documented in DESIGN.md.
var (
	_ Backend = (*Kubernetes)(nil)
	_ Backend = (*Containerd)(nil)
	_ Backend = (*Fly)(nil)
)
