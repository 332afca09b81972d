// Package rabbitmq holds the broker-facing plumbing shared by the public
// transport: endpoint parameters, the bounded dial and the error types
// describing connection and channel failures.
package rabbitmq
