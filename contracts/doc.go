// Package contracts defines how payload types are named on the wire.
//
// A payload is any Go value (normally a struct) that round-trips through the
// codec. Each payload type has a TypeTag: the Go type name by default, or the
// value returned by PayloadType when the type implements Tagged. The tag is
// written into the AMQP type property on publish and is used to label logs
// and metrics on the consuming side.
package contracts
