// Package app provides the application service layer.
//
// Orchestrates the settings exchange: session creation from a device schema, device polls and
// acknowledgments, human edits, and background expiry. Sits between HTTP handlers and the
// session store. Depends on domain interfaces, not concrete implementations.
package app
