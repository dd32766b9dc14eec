package instance

import "os"

// GetID identifies this process in logs and lock ownership. It prefers
// KRISHI_INSTANCE_ID, then the hostname.
func GetID() string {
	if id := os.Getenv("KRISHI_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
