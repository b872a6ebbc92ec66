// Package wire implements the two framings used by the synchronisation
// primitives over a reliable stream connection.
//
// Barriers exchange fixed-width control tokens (see Token) after a one-line
// handshake. SyncData exchanges frames: a HeaderSize-wide ASCII decimal
// length followed by exactly that many bytes of msgpack-encoded payload.
package wire
