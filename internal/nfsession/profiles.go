package nfsession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/jsongraph"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

// The profile set is installation-wide, not profile-scoped.
const profilesCacheID = "profiles"

var cacheBucketProfiles = cache.BucketCommon

// Profiles returns the current profile set.
func (s *Session) Profiles() []models.Profile {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return append([]models.Profile(nil), s.profiles...)
}

// ActiveProfileGUID implements msl.ProfileSource.
func (s *Session) ActiveProfileGUID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.activeGUID
}

// OwnerProfileGUID implements msl.ProfileSource.
func (s *Session) OwnerProfileGUID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.ownerGUID
}

// setProfiles installs a freshly parsed profile set. The owner GUID is
// derived from it; the active GUID defaults to the owner when nothing
// was active before.
func (s *Session) setProfiles(profiles []models.Profile) {
	owner := ""
	for _, p := range profiles {
		if p.IsAccountOwner {
			owner = p.GUID
			break
		}
	}

	s.stateMu.Lock()
	s.profiles = profiles
	s.ownerGUID = owner
	if s.activeGUID == "" {
		s.activeGUID = owner
	}
	active := s.activeGUID
	s.stateMu.Unlock()

	s.cache.SetActiveProfile(active)
	if data, err := json.Marshal(profiles); err == nil {
		s.cache.AddGlobal(cacheBucketProfiles, profilesCacheID, data, nil)
	}
}

// ActivateProfile switches the active profile. Forbidden while a
// playback session is open, since the MSL user-ID-token selection for
// in-flight events would be corrupted. Activation is serialized with
// every other session operation and swaps the cache prefix atomically.
func (s *Session) ActivateProfile(ctx context.Context, guid string) error {
	if s.playbackActive() {
		return nferrors.ErrPlaybackInProgress
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	known := false
	for _, p := range s.Profiles() {
		if p.GUID == guid {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("nfsession: unknown profile guid %q", guid)
	}

	if _, err := s.call(ctx, "activate_profile",
		url.Values{"switchProfileGuid": {guid}}, nil); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.activeGUID = guid
	s.stateMu.Unlock()
	s.cache.SetActiveProfile(guid)

	s.log.Info("nfsession: activated profile", zap.String("guid", guid))
	return nil
}

// parseProfiles walks the falcorCache profile list, dereferencing the
// per-profile refs and reading each summary atom.
func parseProfiles(fc map[string]any) []models.Profile {
	list, ok := fc["profilesList"].(map[string]any)
	if !ok {
		return nil
	}

	indices := make([]int, 0, len(list))
	for key := range list {
		if idx, err := strconv.Atoi(key); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	var out []models.Profile
	for _, idx := range indices {
		entry := jsongraph.Resolve(fc, list[strconv.Itoa(idx)])
		profileMap, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		summary, ok := jsongraph.Resolve(fc, profileMap["summary"]).(map[string]any)
		if !ok {
			continue
		}
		guid, _ := summary["guid"].(string)
		if guid == "" {
			continue
		}
		p := models.Profile{GUID: guid}
		p.Name, _ = summary["profileName"].(string)
		p.AvatarURL, _ = summary["avatarName"].(string)
		p.Locale, _ = summary["language"].(string)
		p.IsAccountOwner, _ = summary["isAccountOwner"].(bool)
		p.IsKids, _ = summary["isKids"].(bool)
		p.IsPINLocked, _ = summary["isPinLocked"].(bool)
		out = append(out, p)
	}
	return out
}
