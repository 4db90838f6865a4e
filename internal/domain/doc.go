// Package domain defines the core domain types and interfaces.
//
// Groups, authentication results, socket event names and the contracts the gateway,
// heartbeat and relay packages depend on. No implementation code - just contracts.
// Interfaces live here to keep the adapters free of cross-imports.
package domain
