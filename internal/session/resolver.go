// Package session resolves tenant sessions: who an empid is inside one
// company. Memberships live in Postgres; Redis fronts them so every
// request does not pay a database round trip.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"parley/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// MembershipStore is the persistent source of truth behind the cache.
type MembershipStore interface {
	GetMembership(ctx context.Context, empid string, companyID int64) (store.Membership, error)
}

type Resolver struct {
	client *redis.Client
	source MembershipStore
	prefix string
	ttl    time.Duration
}

func NewResolver(redisURL string, source MembershipStore) (*Resolver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewResolverWithClient(client, source), nil
}

func NewResolverWithClient(client *redis.Client, source MembershipStore) *Resolver {
	return &Resolver{
		client: client,
		source: source,
		prefix: "session:",
		ttl:    15 * time.Minute,
	}
}

func (r *Resolver) key(empid string, companyID int64) string {
	return r.prefix + strconv.FormatInt(companyID, 10) + ":" + empid
}

// Resolve returns the membership for (empid, companyID), or ok=false when
// the user has no session in that company. Cache failures fall through to
// the store; a missing session is never cached.
func (r *Resolver) Resolve(ctx context.Context, empid string, companyID int64) (store.Membership, bool, error) {
	key := r.key(empid, companyID)
	cached, err := r.client.Get(ctx, key).Result()
	if err == nil {
		var m store.Membership
		if err := json.Unmarshal([]byte(cached), &m); err == nil {
			return m, true, nil
		}
		// Corrupt cache entry: drop it and fall through.
		_ = r.client.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) {
		return store.Membership{}, false, fmt.Errorf("session cache get: %w", err)
	}

	m, err := r.source.GetMembership(ctx, empid, companyID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, false, nil
	}
	if err != nil {
		return store.Membership{}, false, fmt.Errorf("load membership: %w", err)
	}

	if encoded, err := json.Marshal(m); err == nil {
		_ = r.client.Set(ctx, key, encoded, r.ttl).Err()
	}
	return m, true, nil
}

// Invalidate evicts one cached session, used after role or scope changes.
func (r *Resolver) Invalidate(ctx context.Context, empid string, companyID int64) error {
	if err := r.client.Del(ctx, r.key(empid, companyID)).Err(); err != nil {
		return fmt.Errorf("session cache invalidate: %w", err)
	}
	return nil
}

func (r *Resolver) Close() error {
	return r.client.Close()
}

func (r *Resolver) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
