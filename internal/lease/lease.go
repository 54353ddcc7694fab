// Package lease guards a campaign against two processors draining it at the
// same time. A lease is held by an owner token until it is released or its TTL
// runs out.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another owner holds the campaign.
var ErrLeaseHeld = errors.New("campaign is being processed by another worker")

// ErrLeaseLost is returned by Extend when the lease expired or changed hands.
var ErrLeaseLost = errors.New("campaign lease was lost")

// Locker acquires, renews and releases per-campaign processing leases.
type Locker interface {
	Acquire(ctx context.Context, campaignID int, ttl time.Duration) (*Lease, error)
	// Extend pushes a held lease out to ttl from now. It fails with
	// ErrLeaseLost once the lease has expired or another owner holds it.
	Extend(ctx context.Context, l *Lease, ttl time.Duration) error
	Release(ctx context.Context, l *Lease) error
}

// Lease is a held claim on a campaign.
type Lease struct {
	CampaignID int
	Owner      string
	Until      time.Time
}

func key(campaignID int) string {
	return fmt.Sprintf("campaign:lease:%d", campaignID)
}

// RedisLocker stores leases as SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Only the owner may delete its key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (r *RedisLocker) Acquire(ctx context.Context, campaignID int, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key(campaignID), owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{CampaignID: campaignID, Owner: owner, Until: time.Now().Add(ttl)}, nil
}

func (r *RedisLocker) Extend(ctx context.Context, l *Lease, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{key(l.CampaignID)}, l.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	l.Until = time.Now().Add(ttl)
	return nil
}

func (r *RedisLocker) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{key(l.CampaignID)}, l.Owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// MemoryLocker keeps leases in process. It serves single-binary deployments
// and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[int]*Lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[int]*Lease{}, now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, campaignID int, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[campaignID]; ok && cur.Until.After(now) {
		return nil, ErrLeaseHeld
	}
	l := &Lease{CampaignID: campaignID, Owner: uuid.NewString(), Until: now.Add(ttl)}
	m.leases[campaignID] = l
	return l, nil
}

func (m *MemoryLocker) Extend(_ context.Context, l *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[l.CampaignID]
	if !ok || cur.Owner != l.Owner || !cur.Until.After(now) {
		return ErrLeaseLost
	}
	cur.Until = now.Add(ttl)
	l.Until = cur.Until
	return nil
}

func (m *MemoryLocker) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[l.CampaignID]; ok && cur.Owner == l.Owner {
		delete(m.leases, l.CampaignID)
	}
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
