package instance

import "os"

// GetID returns the process instance identifier used to tag lock owners.
func GetID() string {
	if id := os.Getenv("CREDITMETER_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "creditmeter-0"
}
