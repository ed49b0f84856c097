// Package storage persists contacts, auto-reply rules, settings, retry
// records, scheduled broadcasts and the operator audit log.
package storage
