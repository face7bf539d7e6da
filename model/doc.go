// Package model defines the provider-neutral generation interface used by
// the tool router. Concrete adapters live in subpackages (openai,
// anthropic); a scriptable MockModel is provided for tests and demos.
package model
