// Package cache implements the bucketed TTL cache backing every
// API-derived data type: a memory tier for hot entries and a sqlite
// tier for buckets that survive restarts. Identifiers are transparently
// prefixed with the active profile GUID so profile-scoped data never
// leaks across profiles.
package cache

import "time"

// TTLClass selects one of the three default TTL classes.
type TTLClass int

const (
	// TTLClassGeneric is the default for listing-style data.
	TTLClassGeneric TTLClass = iota
	// TTLClassMyList is short-lived: my-list membership changes often.
	TTLClassMyList
	// TTLClassMetadata is long-lived: title metadata rarely changes.
	TTLClassMetadata
)

// Bucket is a named cache partition. The bucket set is fixed; callers
// use the package-level values below.
type Bucket struct {
	// Name keys the partition in both tiers.
	Name string
	// Persistent mirrors the bucket to the sqlite tier.
	Persistent bool
	// TTL is the default TTL class for entries added without one.
	TTL TTLClass
}

// The fixed bucket set.
var (
	BucketCommon       = Bucket{Name: "common", Persistent: false, TTL: TTLClassGeneric}
	BucketInstallation = Bucket{Name: "installation", Persistent: true, TTL: TTLClassMetadata}
	BucketGenres       = Bucket{Name: "genres", Persistent: false, TTL: TTLClassGeneric}
	BucketSupplemental = Bucket{Name: "supplemental", Persistent: false, TTL: TTLClassGeneric}
	BucketMetadata     = Bucket{Name: "metadata", Persistent: true, TTL: TTLClassMetadata}
	BucketInfoLabels   = Bucket{Name: "infolabels", Persistent: true, TTL: TTLClassMetadata}
	BucketArtInfo      = Bucket{Name: "artinfo", Persistent: true, TTL: TTLClassMetadata}
	BucketManifests    = Bucket{Name: "manifests", Persistent: false, TTL: TTLClassGeneric}
	BucketMyList       = Bucket{Name: "mylist", Persistent: true, TTL: TTLClassMyList}
	BucketSearch       = Bucket{Name: "search", Persistent: false, TTL: TTLClassGeneric}
	BucketBookmarks    = Bucket{Name: "bookmarks", Persistent: true, TTL: TTLClassGeneric}
)

// Buckets lists every bucket, used by Clear and the sweep.
var Buckets = []Bucket{
	BucketCommon, BucketInstallation, BucketGenres, BucketSupplemental,
	BucketMetadata, BucketInfoLabels, BucketArtInfo, BucketManifests,
	BucketMyList, BucketSearch, BucketBookmarks,
}

// TTLConfig carries the concrete durations for the three TTL classes.
type TTLConfig struct {
	Generic  time.Duration
	MyList   time.Duration
	Metadata time.Duration
}

// DefaultTTLConfig mirrors the service defaults.
var DefaultTTLConfig = TTLConfig{
	Generic:  10 * time.Minute,
	MyList:   time.Minute,
	Metadata: 72 * time.Hour,
}

// ttl resolves a bucket's TTL class against the configuration.
func (c TTLConfig) ttl(class TTLClass) time.Duration {
	switch class {
	case TTLClassMyList:
		return c.MyList
	case TTLClassMetadata:
		return c.Metadata
	default:
		return c.Generic
	}
}
