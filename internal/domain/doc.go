// Package domain defines the core types of the settings broker.
//
// This package contains concept-oriented files (errors.go, parameter.go, session.go)
// with shared types and the schema validation rules. No storage or transport code.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
