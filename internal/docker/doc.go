// Package docker provides the Docker integration used by shipctl.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Application image build, tag and push for the deployments listed in
//     the project file
//   - Short-lived scanner containers (OWASP ZAP) run through the Engine API,
//     labelled so "cleanup all" can find and remove leftovers
//
// The Engine API is accessed through github.com/docker/docker/client with
// version negotiation enabled. Image builds and pushes shell out to the
// docker CLI instead, so registry credentials from "docker login" and
// BuildKit settings apply exactly as they do for a developer at a terminal.
package docker
