// Package core defines the shared vocabulary of the fixflow gateway:
// threads, messages, identifier generation and the error taxonomy used
// across the orchestration packages. It depends on nothing but the
// standard library and id generators so every other package can import it.
package core
