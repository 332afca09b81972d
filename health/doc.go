// Package health exposes liveness, readiness and a detailed JSON report for
// the consumers and the producer of a client.
package health
