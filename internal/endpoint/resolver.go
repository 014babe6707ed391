// Package endpoint derives gateway URLs. It is pure: no network, no state
// beyond the normalized configuration captured at construction.
package endpoint

import (
	"net/url"
	"strings"

	"streamkit/internal/domain"
)

const (
	defaultStartPath  = "/api/stream/start"
	defaultStreamPath = "/api/stream"
)

// Field names one URL stored on a SessionDescriptor.
type Field int

const (
	FieldIngest Field = iota
	FieldEgress
	FieldStatus
	FieldUpdate
	FieldStop
	FieldData
	FieldRTMP
)

// Overrides replaces the default endpoint paths. Values are normalized the
// same way as the defaults.
type Overrides struct {
	// StartPath is the control-plane start path under the gateway base.
	StartPath string
	// StreamPath is the path segment under which per-stream endpoints
	// live, e.g. "/api/stream" producing "/api/stream/{name}/data".
	StreamPath string
}

// Resolver derives every dependent URL from a gateway base URL. Methods
// never fail; absent inputs yield the empty string.
type Resolver struct {
	base       string
	startPath  string
	streamPath string
}

// NewResolver builds a resolver. Trailing slashes on the base and override
// paths are stripped once here, so derived URLs never carry double slashes.
func NewResolver(base string, o Overrides) *Resolver {
	return &Resolver{
		base:       strings.TrimRight(base, "/"),
		startPath:  normalizePath(o.StartPath, defaultStartPath),
		streamPath: normalizePath(o.StreamPath, defaultStreamPath),
	}
}

// Base returns the normalized gateway base URL.
func (r *Resolver) Base() string {
	return r.base
}

// StartURL returns the control-plane start endpoint.
func (r *Resolver) StartURL() string {
	return r.base + r.startPath
}

// DataURL returns the SSE endpoint for a stream name. An empty name yields
// an empty URL rather than a malformed one.
func (r *Resolver) DataURL(streamName string) string {
	if streamName == "" {
		return ""
	}
	return r.base + r.streamPath + "/" + url.PathEscape(streamName) + "/data"
}

// FromDescriptor returns the stored field verbatim, or the empty string
// when no descriptor is present yet.
func (r *Resolver) FromDescriptor(d *domain.SessionDescriptor, f Field) string {
	if d == nil {
		return ""
	}
	switch f {
	case FieldIngest:
		return d.IngestURL
	case FieldEgress:
		return d.EgressURL
	case FieldStatus:
		return d.StatusURL
	case FieldUpdate:
		return d.UpdateURL
	case FieldStop:
		return d.StopURL
	case FieldData:
		return d.DataURL
	case FieldRTMP:
		return d.RTMPURL
	default:
		return ""
	}
}

func normalizePath(p, fallback string) string {
	if p == "" {
		return fallback
	}
	p = strings.Trim(p, "/")
	return "/" + p
}
