// Package daemon serves the HTTP status surface of a standalone sync listen
// server: the sessions it currently holds, and its prometheus metrics.
package daemon
