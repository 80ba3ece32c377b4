// Package dashboard resolves Grafana dashboard URLs and talks to the Grafana
// HTTP API for panel metadata and server-side panel renders.
package dashboard

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultOrgID = "1"

	// render window and size are fixed; "now-1h" and "now" are resolved by Grafana, not here.
	renderFrom   = "now-1h"
	renderTo     = "now"
	renderWidth  = 1000
	renderHeight = 500
)

// Ref is a parsed dashboard reference.
type Ref struct {
	Scheme string
	Host   string
	UID    string
	Slug   string
	OrgID  string
}

// ParseURL turns a dashboard URL of the form scheme://host/d/{uid}/{slug}?orgId=N
// into a Ref. The slug is optional here; use RequireSlug before building render URLs.
func ParseURL(raw string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Ref{}, &InvalidReferenceError{URL: raw, Reason: "unparseable url", Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return Ref{}, &InvalidReferenceError{URL: raw, Reason: "missing scheme or host"}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return Ref{}, &InvalidReferenceError{URL: raw, Reason: "path must look like /d/{uid}/{slug}"}
	}
	if parts[0] != "d" {
		return Ref{}, &InvalidReferenceError{URL: raw, Reason: fmt.Sprintf("path marker %q is not \"d\"", parts[0])}
	}
	if parts[1] == "" {
		return Ref{}, &InvalidReferenceError{URL: raw, Reason: "empty dashboard uid"}
	}

	ref := Ref{
		Scheme: u.Scheme,
		Host:   u.Host,
		UID:    parts[1],
		OrgID:  defaultOrgID,
	}
	if len(parts) >= 3 {
		ref.Slug = parts[2]
	}
	if org := u.Query().Get("orgId"); org != "" {
		ref.OrgID = org
	}
	return ref, nil
}

// RequireSlug reports an InvalidReferenceError when the reference has no slug,
// which the d-solo render path needs.
func (r Ref) RequireSlug() error {
	if r.Slug == "" {
		return &InvalidReferenceError{URL: r.String(), Reason: "render path needs a dashboard slug"}
	}
	return nil
}

// APIURL is the dashboard metadata endpoint.
func (r Ref) APIURL() string {
	return fmt.Sprintf("%s://%s/api/dashboards/uid/%s", r.Scheme, r.Host, url.PathEscape(r.UID))
}

// RenderURL builds the single-panel render URL. Output depends only on r and panelID.
func (r Ref) RenderURL(panelID string) string {
	return fmt.Sprintf("%s://%s/render/d-solo/%s/%s?orgId=%s&from=%s&to=%s&panelId=%s&width=%d&height=%d",
		r.Scheme, r.Host,
		url.PathEscape(r.UID), url.PathEscape(r.Slug),
		url.QueryEscape(r.OrgID), renderFrom, renderTo,
		url.QueryEscape(panelID), renderWidth, renderHeight,
	)
}

// String returns the canonical dashboard URL for the reference.
func (r Ref) String() string {
	p := "/d/" + r.UID
	if r.Slug != "" {
		p += "/" + r.Slug
	}
	return fmt.Sprintf("%s://%s%s?orgId=%s", r.Scheme, r.Host, p, r.OrgID)
}
