package nfsession

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"
	"time"
)

// cookiesFile is the on-disk name of the serialized cookie jar.
const cookiesFile = "cookies"

// requiredCookies must all be present and unexpired for the session to
// count as authenticated.
var requiredCookies = []string{"NetflixId", "SecureNetflixId", "nfvdid"}

// storedCookie is the serialized form of one cookie.
type storedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// persistentJar wraps the standard cookie jar and mirrors every cookie
// it receives to disk, replaying them on the next start.
type persistentJar struct {
	mu    sync.Mutex
	inner *cookiejar.Jar
	path  string
	saved map[string][]storedCookie // host -> cookies
}

// loadJar opens the jar at path, replaying persisted cookies that have
// not expired. A missing or unreadable file starts an empty jar.
func loadJar(path string) (*persistentJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	j := &persistentJar{inner: inner, path: path, saved: make(map[string][]storedCookie)}

	data, err := os.ReadFile(path)
	if err != nil {
		return j, nil
	}
	if err := json.Unmarshal(data, &j.saved); err != nil {
		j.saved = make(map[string][]storedCookie)
		return j, nil
	}
	now := time.Now()
	for host, cookies := range j.saved {
		u := &url.URL{Scheme: "https", Host: host}
		var live []*http.Cookie
		for _, c := range cookies {
			if c.Expires.After(now) {
				live = append(live, &http.Cookie{
					Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
					Expires: c.Expires, Secure: c.Secure, HttpOnly: c.HTTPOnly,
				})
			}
		}
		if len(live) > 0 {
			inner.SetCookies(u, live)
		}
	}
	return j, nil
}

// SetCookies stores cookies for u and persists them.
func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.saved[u.Host]
	for _, c := range cookies {
		expires := c.Expires
		if expires.IsZero() && c.MaxAge > 0 {
			expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
		}
		sc := storedCookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: expires, Secure: c.Secure, HTTPOnly: c.HttpOnly,
		}
		replaced := false
		for i := range kept {
			if kept[i].Name == c.Name {
				kept[i] = sc
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, sc)
		}
	}
	j.saved[u.Host] = kept
	j.persistLocked()
}

// Cookies returns the unexpired cookies for u.
func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// HasRequired reports whether every session-critical cookie is present
// and unexpired for u. The inner jar drops expired cookies, so
// presence implies validity.
func (j *persistentJar) HasRequired(u *url.URL) bool {
	present := make(map[string]bool)
	for _, c := range j.inner.Cookies(u) {
		present[c.Name] = true
	}
	for _, name := range requiredCookies {
		if !present[name] {
			return false
		}
	}
	return true
}

// Clear drops every cookie and removes the persisted file.
func (j *persistentJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if inner, err := cookiejar.New(nil); err == nil {
		j.inner = inner
	}
	j.saved = make(map[string][]storedCookie)
	os.Remove(j.path)
}

func (j *persistentJar) persistLocked() {
	data, err := json.Marshal(j.saved)
	if err != nil {
		return
	}
	os.WriteFile(j.path, data, 0o600)
}
