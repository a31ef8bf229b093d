package nfsession

import "net/url"

// authURLPlacement says where an endpoint expects the authURL token.
type authURLPlacement int

const (
	authURLNone authURLPlacement = iota
	authURLBody
	authURLQuery
)

// endpoint describes one logical Netflix endpoint.
type endpoint struct {
	// path is relative to the site base, or to the API base discovered
	// in reactContext when useAPIBase is set.
	path          string
	useAPIBase    bool
	defaultParams bool
	authURL       authURLPlacement
	contentType   string
	accept        string
}

var endpoints = map[string]endpoint{
	"login": {
		path:        "/login",
		authURL:     authURLBody,
		contentType: "application/x-www-form-urlencoded",
		accept:      "text/html",
	},
	"logout": {
		path:    "/SignOut",
		authURL: authURLQuery,
		accept:  "text/html",
	},
	"browse": {
		path:   "/browse",
		accept: "text/html",
	},
	"profiles": {
		path:   "/profiles/manage",
		accept: "text/html",
	},
	"activate_profile": {
		path:    "/SwitchProfile",
		authURL: authURLQuery,
		accept:  "text/html",
	},
	"path_evaluator": {
		path:          "/pathEvaluator",
		useAPIBase:    true,
		defaultParams: true,
		authURL:       authURLBody,
		contentType:   "application/x-www-form-urlencoded",
		accept:        "*/*",
	},
}

// defaultPathParams ride on every pathEvaluator call.
var defaultPathParams = url.Values{
	"falcor_server": {"0.1.0"},
	"drmSystem":     {"widevine"},
	"withSize":      {"false"},
	"materialize":   {"false"},
	"original_path": {"/shakti/mre/pathEvaluator"},
}
