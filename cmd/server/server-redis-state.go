package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/blockgate/internal/obs"
)

// leaseRecord is the JSON form of a lease claim in Redis. Instance is empty
// while the port is merely parked (lingering) for the identity.
type leaseRecord struct {
	Identity  string `json:"identity"`
	Instance  string `json:"instance,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// redisState implements LeaseStore against Redis so several relay
// instances can share one port range. Sessions, links and listeners remain
// local to the accepting instance; Redis only arbitrates port ownership.
// A session on another instance cannot be superseded directly -- its claim
// just stops being refreshed once it dies, so the TTL frees the port.
type redisState struct {
	client     *redis.Client
	local      *memoryState
	instanceID string
	keyTTL     time.Duration
	linger     time.Duration
}

func newRedisState(addr, password string, db int, portMin, portMax int, linger time.Duration) (*redisState, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisState{
		client:     rdb,
		local:      newMemoryState(portMin, portMax, linger),
		instanceID: fmt.Sprintf("blockgate-%d", time.Now().UnixNano()),
		keyTTL:     90 * time.Second,
		linger:     linger,
	}, nil
}

var _ LeaseStore = (*redisState)(nil)

func leaseKey(port int) string { return "blockgate:lease:" + strconv.Itoa(port) }

func (r *redisState) loadRecord(ctx context.Context, port int) (*leaseRecord, error) {
	val, err := r.client.Get(ctx, leaseKey(port)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec leaseRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *redisState) claim(ctx context.Context, port int, rec leaseRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, leaseKey(port), data, r.keyTTL).Result()
}

func (r *redisState) acquireLease(ctx context.Context, identity string, requestedPort int) (int, *serverSession, error) {
	// Local view first: same-instance supersede and the linger preference.
	port, prev, err := r.local.acquireLease(ctx, identity, requestedPort)
	if err != nil && !errors.Is(err, errPortsExhausted) {
		return 0, nil, err
	}
	if err == nil {
		rec, rerr := r.loadRecord(ctx, port)
		if rerr != nil {
			return 0, nil, fmt.Errorf("redis lease lookup: %w", rerr)
		}
		if rec == nil || rec.Identity == identity {
			return port, prev, nil
		}
		if requestedPort != 0 {
			return 0, nil, errLeaseConflict
		}
	}
	// The locally preferred port is claimed elsewhere (or local range is
	// exhausted): scan the range against Redis.
	for p := r.local.portMin; p <= r.local.portMax; p++ {
		rec, rerr := r.loadRecord(ctx, p)
		if rerr != nil {
			return 0, nil, fmt.Errorf("redis lease lookup: %w", rerr)
		}
		if rec != nil && rec.Identity != identity {
			continue
		}
		if rec == nil {
			if ok, cerr := r.claim(ctx, p, leaseRecord{Identity: identity}); cerr != nil || !ok {
				if cerr != nil {
					return 0, nil, fmt.Errorf("redis lease claim: %w", cerr)
				}
				continue // lost the race for this port
			}
		}
		return p, prev, nil
	}
	return 0, nil, errPortsExhausted
}

func (r *redisState) bindSession(sess *serverSession) {
	r.local.bindSession(sess)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(leaseRecord{Identity: sess.identity, Instance: r.instanceID, SessionID: sess.id})
	if err == nil {
		err = r.client.Set(ctx, leaseKey(sess.port), data, r.keyTTL).Err()
	}
	if err != nil {
		obs.Error("redis.bind_lease", obs.Fields{"err": err.Error(), "port": sess.port})
	}
}

func (r *redisState) releaseLease(ctx context.Context, sess *serverSession) {
	r.local.releaseLease(ctx, sess)
	// Park the claim for the identity instead of deleting it outright.
	data, err := json.Marshal(leaseRecord{Identity: sess.identity})
	if err == nil {
		err = r.client.Set(ctx, leaseKey(sess.port), data, r.linger).Err()
	}
	if err != nil {
		obs.Error("redis.release_lease", obs.Fields{"err": err.Error(), "port": sess.port})
	}
}

// maintain refreshes this instance's lease claims so TTL expiry only frees
// ports whose owner has actually died.
func (r *redisState) maintain(ctx context.Context) {
	t := time.NewTicker(r.keyTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, sess := range r.local.activeSessions() {
				data, err := json.Marshal(leaseRecord{Identity: sess.identity, Instance: r.instanceID, SessionID: sess.id})
				if err == nil {
					err = r.client.Set(ctx, leaseKey(sess.port), data, r.keyTTL).Err()
				}
				if err != nil {
					obs.Error("redis.refresh_lease", obs.Fields{"err": err.Error(), "port": sess.port})
				}
			}
		}
	}
}

func (r *redisState) activeSessions() []*serverSession { return r.local.activeSessions() }

func (r *redisState) setClosing(closing bool) { r.local.setClosing(closing) }
func (r *redisState) setReady(ready bool)     { r.local.setReady(ready) }
func (r *redisState) isClosing() bool         { return r.local.isClosing() }
func (r *redisState) isReady() bool           { return r.local.isReady() }

func (r *redisState) getStats() (int, int, int64, int64) { return r.local.getStats() }
func (r *redisState) incrementStreamCount()              { r.local.incrementStreamCount() }
func (r *redisState) incrementSuperseded()               { r.local.incrementSuperseded() }
