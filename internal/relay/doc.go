// Package relay connects several posrelay instances through Redis.
//
// Group events are published to one pub/sub channel and every instance delivers
// them to its local members. A SETNX lease elects the single instance that runs
// the heartbeat, so the cluster emits one ping per group per interval.
package relay
