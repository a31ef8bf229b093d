package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// sweepInterval is how long the manager waits between expired-entry
// sweeps of both tiers.
const sweepInterval = 15 * 24 * time.Hour

type memEntry struct {
	value        []byte
	expires      time.Time
	lastModified time.Time
}

// Manager is the shared cache instance. It is safe for concurrent use;
// one Manager serves every worker thread in the service process.
type Manager struct {
	log  *zap.Logger
	ttls TTLConfig
	repo *Repository // nil when running without a persistent tier

	mu  sync.RWMutex
	mem map[string]map[string]memEntry // bucket -> identifier -> entry

	prefixMu   sync.RWMutex
	activeGUID string

	pendingMu sync.Mutex
	pending   []Entry

	sweepMu   sync.Mutex
	lastSweep time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager returns a Manager over the given persistent repository.
// repo may be nil; persistent buckets then behave like memory buckets.
func NewManager(repo *Repository, ttls TTLConfig, log *zap.Logger) *Manager {
	m := &Manager{
		log:  log,
		ttls: ttls,
		repo: repo,
		mem:  make(map[string]map[string]memEntry),
		now:  time.Now,
	}
	if repo != nil {
		if ts, err := repo.GetMeta(context.Background(), metaLastSweep); err == nil && ts > 0 {
			m.lastSweep = time.Unix(ts, 0)
		}
	}
	if m.lastSweep.IsZero() {
		m.lastSweep = m.now()
	}
	return m
}

// SetActiveProfile swaps the cached profile GUID used to prefix every
// scoped identifier. Resolving the GUID on each access would dominate
// list-load time, so it is held here and invalidated only on switch.
func (m *Manager) SetActiveProfile(guid string) {
	m.prefixMu.Lock()
	m.activeGUID = guid
	m.prefixMu.Unlock()
}

// ActiveProfile returns the GUID set by SetActiveProfile.
func (m *Manager) ActiveProfile() string {
	m.prefixMu.RLock()
	defer m.prefixMu.RUnlock()
	return m.activeGUID
}

func (m *Manager) scoped(identifier string) string {
	m.prefixMu.RLock()
	guid := m.activeGUID
	m.prefixMu.RUnlock()
	if guid == "" {
		return identifier
	}
	return guid + "_" + identifier
}

// Get returns the value stored under (bucket, identifier) in the
// active profile scope. Absent and expired entries, and any disk
// fault, surface as nferrors.ErrCacheMiss.
func (m *Manager) Get(b Bucket, identifier string) ([]byte, error) {
	return m.get(b, m.scoped(identifier))
}

// GetGlobal is Get without the profile prefix, for installation-wide
// entries such as the ESN or the profile set.
func (m *Manager) GetGlobal(b Bucket, identifier string) ([]byte, error) {
	return m.get(b, identifier)
}

func (m *Manager) get(b Bucket, key string) ([]byte, error) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.mem[b.Name][key]
	m.mu.RUnlock()
	if ok {
		if entry.expires.After(now) {
			return entry.value, nil
		}
		m.mu.Lock()
		delete(m.mem[b.Name], key)
		m.mu.Unlock()
	}

	if !b.Persistent || m.repo == nil {
		return nil, nferrors.ErrCacheMiss
	}

	value, expires, err := m.repo.Get(context.Background(), b.Name, key)
	if err != nil {
		if !errors.Is(err, nferrors.ErrCacheMiss) {
			m.log.Warn("cache: disk read failed",
				zap.String("bucket", b.Name), zap.Error(err))
		}
		return nil, nferrors.ErrCacheMiss
	}
	if !time.Unix(expires, 0).After(now) {
		return nil, nferrors.ErrCacheMiss
	}

	m.store(b, key, value, time.Unix(expires, 0), now)
	return value, nil
}

// AddOptions tunes a single Add call. The zero value means: default
// bucket TTL, synchronous disk write.
type AddOptions struct {
	// TTL overrides the bucket's default TTL when positive.
	TTL time.Duration
	// ExpiresAt overrides TTL entirely when non-zero.
	ExpiresAt time.Time
	// Delayed batches the disk write until ExecutePendingDBOps.
	Delayed bool
}

// Add stores value under (bucket, identifier) in the active profile
// scope. Disk faults are logged, never returned: a failed mirror write
// degrades the entry to memory-only.
func (m *Manager) Add(b Bucket, identifier string, value []byte, opts *AddOptions) {
	m.add(b, m.scoped(identifier), value, opts)
}

// AddGlobal is Add without the profile prefix.
func (m *Manager) AddGlobal(b Bucket, identifier string, value []byte, opts *AddOptions) {
	m.add(b, identifier, value, opts)
}

func (m *Manager) add(b Bucket, key string, value []byte, opts *AddOptions) {
	if opts == nil {
		opts = &AddOptions{}
	}
	now := m.now()
	expires := opts.ExpiresAt
	if expires.IsZero() {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = m.ttls.ttl(b.TTL)
		}
		expires = now.Add(ttl)
	}

	m.store(b, key, value, expires, now)

	if !b.Persistent || m.repo == nil {
		return
	}
	entry := Entry{
		Bucket:       b.Name,
		Identifier:   key,
		Value:        value,
		Expires:      expires.Unix(),
		LastModified: now.Unix(),
	}
	if opts.Delayed {
		m.pendingMu.Lock()
		m.pending = append(m.pending, entry)
		m.pendingMu.Unlock()
		return
	}
	if err := m.repo.Set(context.Background(), entry); err != nil {
		m.log.Warn("cache: disk write failed",
			zap.String("bucket", b.Name), zap.Error(err))
	}
}

func (m *Manager) store(b Bucket, key string, value []byte, expires, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.mem[b.Name]
	if bucket == nil {
		bucket = make(map[string]memEntry)
		m.mem[b.Name] = bucket
	}
	bucket[key] = memEntry{value: value, expires: expires, lastModified: now}
}

// ExecutePendingDBOps flushes every delayed disk write in a single
// transaction. Hundreds of individual writes during list construction
// stall the UI on slow storage, hence the batching.
func (m *Manager) ExecutePendingDBOps() {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if len(pending) == 0 || m.repo == nil {
		return
	}
	if err := m.repo.SetBatch(context.Background(), pending); err != nil {
		m.log.Warn("cache: batched disk write failed",
			zap.Int("entries", len(pending)), zap.Error(err))
	}
}

// Delete removes (bucket, identifier) from both tiers in the active
// profile scope. With includingSuffixes every identifier starting with
// the given one is removed, which invalidates paginated ranges stored
// under suffixed keys.
func (m *Manager) Delete(b Bucket, identifier string, includingSuffixes bool) {
	m.deleteKey(b, m.scoped(identifier), includingSuffixes)
}

// DeleteGlobal is Delete without the profile prefix.
func (m *Manager) DeleteGlobal(b Bucket, identifier string, includingSuffixes bool) {
	m.deleteKey(b, identifier, includingSuffixes)
}

func (m *Manager) deleteKey(b Bucket, key string, includingSuffixes bool) {

	m.mu.Lock()
	if bucket := m.mem[b.Name]; bucket != nil {
		if includingSuffixes {
			for k := range bucket {
				if strings.HasPrefix(k, key) {
					delete(bucket, k)
				}
			}
		} else {
			delete(bucket, key)
		}
	}
	m.mu.Unlock()

	if !b.Persistent || m.repo == nil {
		return
	}
	var err error
	if includingSuffixes {
		err = m.repo.DeletePrefix(context.Background(), b.Name, key)
	} else {
		err = m.repo.Delete(context.Background(), b.Name, key)
	}
	if err != nil {
		m.log.Warn("cache: disk delete failed",
			zap.String("bucket", b.Name), zap.Error(err))
	}
}

// Clear drops the given buckets wholesale (all buckets when nil).
// clearDisk extends the drop to the persistent tier.
func (m *Manager) Clear(buckets []Bucket, clearDisk bool) {
	if buckets == nil {
		buckets = Buckets
	}

	m.mu.Lock()
	for _, b := range buckets {
		delete(m.mem, b.Name)
	}
	m.mu.Unlock()

	if !clearDisk || m.repo == nil {
		return
	}
	for _, b := range buckets {
		if !b.Persistent {
			continue
		}
		if err := m.repo.ClearBucket(context.Background(), b.Name); err != nil {
			m.log.Warn("cache: disk clear failed",
				zap.String("bucket", b.Name), zap.Error(err))
		}
	}
}

// OnTick is called by the service loop. Every 15 days it sweeps
// expired entries from both tiers. Sweep faults are logged and
// swallowed; the sweep must never abort the service.
func (m *Manager) OnTick(ctx context.Context) {
	now := m.now()
	m.sweepMu.Lock()
	due := now.Sub(m.lastSweep) >= sweepInterval
	if due {
		m.lastSweep = now
	}
	m.sweepMu.Unlock()
	if due {
		m.sweep(ctx, now)
	}
}

// Sweep unconditionally removes expired entries from both tiers.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()
	m.sweepMu.Lock()
	m.lastSweep = now
	m.sweepMu.Unlock()
	m.sweep(ctx, now)
}

func (m *Manager) sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	for _, bucket := range m.mem {
		for k, entry := range bucket {
			if !entry.expires.After(now) {
				delete(bucket, k)
			}
		}
	}
	m.mu.Unlock()

	if m.repo == nil {
		return
	}
	names := make([]string, 0, len(Buckets))
	for _, b := range Buckets {
		if b.Persistent {
			names = append(names, b.Name)
		}
	}
	removed, err := m.repo.DeleteExpired(ctx, names, now.Unix())
	if err != nil {
		m.log.Warn("cache: sweep failed", zap.Error(err))
		return
	}
	if err := m.repo.SetMeta(ctx, metaLastSweep, now.Unix()); err != nil {
		m.log.Warn("cache: sweep bookkeeping failed", zap.Error(err))
	}
	if removed > 0 {
		m.log.Info("cache: swept expired entries", zap.Int64("removed", removed))
	}
}
