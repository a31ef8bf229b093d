package ipc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/jsongraph"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
)

// bucketsByName resolves RPC bucket arguments against the fixed set.
var bucketsByName = func() map[string]cache.Bucket {
	out := make(map[string]cache.Bucket, len(cache.Buckets))
	for _, b := range cache.Buckets {
		out[b.Name] = b
	}
	return out
}()

func (s *Server) handleCacheRPC(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, s.dispatchCache)
}

func (s *Server) handleSessionRPC(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, s.dispatchSession)
}

type dispatchFunc func(ctx context.Context, fn string, args []cbor.RawMessage) (any, error)

// serveRPC decodes one call frame, runs the dispatcher and writes the
// reply frame. Errors travel inside the frame; the HTTP status stays
// 200 so the client distinguishes transport faults from call failures.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, dispatch dispatchFunc) {
	fn := chi.URLParam(r, "fn")

	var call callFrame
	if err := readFrame(r.Body, &call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if call.Method != "" && call.Method != fn {
		http.Error(w, fmt.Sprintf("ipc: method %q does not match path %q", call.Method, fn),
			http.StatusBadRequest)
		return
	}

	reply := replyFrame{}
	result, err := dispatch(r.Context(), fn, call.Args)
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		encoded, merr := cbor.Marshal(result)
		if merr != nil {
			reply.Error = fmt.Sprintf("ipc: encode result: %v", merr)
		} else {
			reply.Result = encoded
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := writeFrame(w, reply); err != nil {
		s.log.Debug("ipc: reply write aborted",
			zap.String("fn", fn), zap.Error(err))
	}
}

// dispatchCache serves the /cache/{fn} family. Bucket arguments are
// bucket names; values are raw bytes.
func (s *Server) dispatchCache(_ context.Context, fn string, args []cbor.RawMessage) (any, error) {
	switch fn {
	case "get", "get_global":
		b, id, err := bucketAndID(args)
		if err != nil {
			return nil, err
		}
		var value []byte
		if fn == "get" {
			value, err = s.cache.Get(b, id)
		} else {
			value, err = s.cache.GetGlobal(b, id)
		}
		return value, err

	case "add", "add_global":
		b, id, err := bucketAndID(args)
		if err != nil {
			return nil, err
		}
		value, err := arg[[]byte](args, 2)
		if err != nil {
			return nil, err
		}
		ttlSeconds, err := optionalArg[int64](args, 3, 0)
		if err != nil {
			return nil, err
		}
		var opts *cache.AddOptions
		if ttlSeconds > 0 {
			opts = &cache.AddOptions{TTL: time.Duration(ttlSeconds) * time.Second}
		}
		if fn == "add" {
			s.cache.Add(b, id, value, opts)
		} else {
			s.cache.AddGlobal(b, id, value, opts)
		}
		return nil, nil

	case "delete", "delete_global":
		b, id, err := bucketAndID(args)
		if err != nil {
			return nil, err
		}
		includingSuffixes, err := optionalArg[bool](args, 2, false)
		if err != nil {
			return nil, err
		}
		if fn == "delete" {
			s.cache.Delete(b, id, includingSuffixes)
		} else {
			s.cache.DeleteGlobal(b, id, includingSuffixes)
		}
		return nil, nil

	case "clear":
		names, err := optionalArg[[]string](args, 0, nil)
		if err != nil {
			return nil, err
		}
		clearDisk, err := optionalArg[bool](args, 1, false)
		if err != nil {
			return nil, err
		}
		var buckets []cache.Bucket
		for _, name := range names {
			b, ok := bucketsByName[name]
			if !ok {
				return nil, fmt.Errorf("ipc: unknown bucket %q", name)
			}
			buckets = append(buckets, b)
		}
		s.cache.Clear(buckets, clearDisk)
		return nil, nil

	case "active_profile":
		return s.cache.ActiveProfile(), nil

	case "execute_pending_db_ops":
		s.cache.ExecutePendingDBOps()
		return nil, nil

	default:
		return nil, fmt.Errorf("ipc: unknown cache function %q", fn)
	}
}

func bucketAndID(args []cbor.RawMessage) (cache.Bucket, string, error) {
	name, err := arg[string](args, 0)
	if err != nil {
		return cache.Bucket{}, "", err
	}
	b, ok := bucketsByName[name]
	if !ok {
		return cache.Bucket{}, "", fmt.Errorf("ipc: unknown bucket %q", name)
	}
	id, err := arg[string](args, 1)
	if err != nil {
		return cache.Bucket{}, "", err
	}
	return b, id, nil
}

// dispatchSession serves the /nfsession/{fn} family, covering both the
// HTTP session and the MSL event surface.
func (s *Server) dispatchSession(ctx context.Context, fn string, args []cbor.RawMessage) (any, error) {
	switch fn {
	case "login":
		email, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		password, err := arg[string](args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.session.Login(ctx, credentials.Credentials{Email: email, Password: password})

	case "logout":
		return nil, s.session.Logout(ctx)

	case "is_logged_in":
		return s.session.IsLoggedIn(), nil

	case "refresh_session":
		return nil, s.session.RefreshSession(ctx)

	case "profiles":
		return s.session.Profiles(), nil

	case "active_profile_guid":
		return s.session.ActiveProfileGUID(), nil

	case "activate_profile":
		guid, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.session.ActivateProfile(ctx, guid)

	case "path_request":
		paths, err := decodePaths(args, 0)
		if err != nil {
			return nil, err
		}
		graph, err := s.session.PathRequest(ctx, paths)
		return graph, err

	case "perpetual_path_request":
		paths, err := decodePaths(args, 0)
		if err != nil {
			return nil, err
		}
		lengthPath, err := arg[[]string](args, 1)
		if err != nil {
			return nil, err
		}
		rangeStart, err := optionalArg[int](args, 2, 0)
		if err != nil {
			return nil, err
		}
		graph, err := s.session.PerpetualPathRequest(ctx, paths, lengthPath, rangeStart)
		return graph, err

	case "post_event":
		ev, err := arg[models.Event](args, 0)
		if err != nil {
			return nil, err
		}
		s.msl.PostEvent(ev)
		return nil, nil

	default:
		return nil, fmt.Errorf("ipc: unknown session function %q", fn)
	}
}

// decodePaths reads a list of wire-form Falcor paths from one argument.
func decodePaths(args []cbor.RawMessage, i int) ([]jsongraph.Path, error) {
	raw, err := arg[[][]any](args, i)
	if err != nil {
		return nil, err
	}
	paths := make([]jsongraph.Path, 0, len(raw))
	for pi, rp := range raw {
		p, err := jsongraph.ParsePath(rp)
		if err != nil {
			return nil, fmt.Errorf("ipc: path %d: %w", pi, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
