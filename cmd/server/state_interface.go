package main

import "context"

// LeaseStore abstracts the lease registry to allow horizontal scaling.
// A lease binds one public port to exactly one identity at a time; the
// session objects themselves always live on the accepting instance.
type LeaseStore interface {
	// acquireLease reserves a port for identity. requestedPort 0 lets the
	// store pick, preferring the identity's lingering previous port. When
	// the same identity already holds a live session, that session is
	// returned as prev for the caller to supersede. A port held by a
	// different identity yields errLeaseConflict.
	acquireLease(ctx context.Context, identity string, requestedPort int) (port int, prev *serverSession, err error)
	// bindSession records the session as the active holder of its lease.
	bindSession(sess *serverSession)
	// releaseLease frees the port and parks it for the identity's return.
	// It is a no-op if sess is no longer the bound holder (superseded).
	releaseLease(ctx context.Context, sess *serverSession)
	// activeSessions snapshots the sessions owned by this instance.
	activeSessions() []*serverSession

	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool

	getStats() (sessions int, streams int, totalStreams int64, superseded int64)
	incrementStreamCount()
	incrementSuperseded()
}
