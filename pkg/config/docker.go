package config

import (
	"os"
	"sync"
)

// dockerEnvFile exists at the root of every Docker container filesystem.
const dockerEnvFile = "/.dockerenv"

var inDocker = sync.OnceValue(func() bool {
	_, err := os.Stat(dockerEnvFile)
	return err == nil
})

// IsRunningInDocker reports whether the process runs inside a Docker container.
// The check is performed once.
func IsRunningInDocker() bool {
	return inDocker()
}

// ResolveHostForDocker maps loopback hosts to host.docker.internal when running
// inside Docker so a database on the host machine stays reachable. Other hosts
// are returned unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return resolveLoopback(host)
}

func resolveLoopback(host string) string {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	default:
		return host
	}
}
