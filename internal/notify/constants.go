// Package notify delivers run completion notifications.
package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "simpipe"

// webhookTimeout bounds a webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
