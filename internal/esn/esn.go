// Package esn derives and persists the device Electronic Serial
// Number. The ESN identifies this installation during the MSL key
// handshake; master tokens are bound to it, so it must stay stable
// until an explicit reset.
package esn

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
)

const (
	// browserPrefix is the ESN prefix for chrome-desktop user agents.
	browserPrefix = "NFCDCH-02-"
	// androidPrefix is the ESN prefix for android-like devices.
	androidPrefix = "NFANDROID1-PRV-"
	// suffixLen is the generated suffix length.
	suffixLen = 30

	cacheIdentifier = "esn"
)

// neverExpires keeps the cache entry alive until an explicit reset.
var neverExpires = time.Unix(1<<40, 0)

// Provider hands out the installation ESN, generating and persisting
// one on first use. The ESN lives in the persistent installation
// bucket under a fixed, profile-unscoped identifier, so it survives
// service restarts.
type Provider struct {
	cache    *cache.Manager
	override string
}

// NewProvider returns a Provider. override forces a fixed ESN when
// non-empty (set from configuration for android-like devices whose ESN
// comes from device properties).
func NewProvider(c *cache.Manager, override string) *Provider {
	return &Provider{cache: c, override: override}
}

// Get returns the current ESN.
func (p *Provider) Get() string {
	if p.override != "" {
		return p.override
	}
	if data, err := p.cache.GetGlobal(cache.BucketInstallation, cacheIdentifier); err == nil {
		return string(data)
	}
	esn := Generate()
	p.cache.AddGlobal(cache.BucketInstallation, cacheIdentifier, []byte(esn),
		&cache.AddOptions{ExpiresAt: neverExpires})
	return esn
}

// Reset discards the stored ESN. The next Get generates a fresh one,
// which invalidates the current master token binding.
func (p *Provider) Reset() {
	p.cache.DeleteGlobal(cache.BucketInstallation, cacheIdentifier, false)
	p.cache.Clear([]cache.Bucket{cache.BucketManifests}, false)
}

// Generate builds a browser-style ESN: the chrome-desktop prefix plus
// a 30-character suffix derived from a random UUID.
func Generate() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	for len(raw) < suffixLen {
		raw += strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return browserPrefix + raw[:suffixLen]
}

// GenerateAndroid builds an android-style ESN from device properties:
// NFANDROID1-PRV-<modelgroup>-<MANUFACTURER><MODEL>. Every character
// outside [A-Z0-9] is replaced by "=", matching the device-side
// derivation so a configured override can reproduce it exactly.
func GenerateAndroid(modelGroup, manufacturer, model string) string {
	group := sanitize(modelGroup)
	if group == "" {
		group = "P"
	}
	return androidPrefix + group + "-" + sanitize(manufacturer) + sanitize(model)
}

func sanitize(s string) string {
	upper := strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range upper {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('=')
		}
	}
	return b.String()
}
