package control

import (
	"encoding/json"

	"streamkit/internal/domain"
)

// descriptorResponse accepts both the snake_case fields the gateway
// documents and the camelCase fields older deployments emit. The ambiguity
// is resolved here, once, at the parsing boundary.
type descriptorResponse struct {
	StreamID  string `json:"stream_id"`
	StreamID2 string `json:"streamId"`

	IngestURL  string `json:"ingest_url"`
	IngestURL2 string `json:"ingestUrl"`

	EgressURL  string `json:"egress_url"`
	EgressURL2 string `json:"egressUrl"`

	StatusURL  string `json:"status_url"`
	StatusURL2 string `json:"statusUrl"`

	UpdateURL  string `json:"update_url"`
	UpdateURL2 string `json:"updateUrl"`

	StopURL  string `json:"stop_url"`
	StopURL2 string `json:"stopUrl"`

	DataURL  string `json:"data_url"`
	DataURL2 string `json:"dataUrl"`

	RTMPURL  string `json:"rtmp_url"`
	RTMPURL2 string `json:"rtmpUrl"`
}

func parseDescriptor(body []byte) (*domain.SessionDescriptor, error) {
	var r descriptorResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, domain.WrapError(domain.KindParse, "decode start response", err)
	}

	return &domain.SessionDescriptor{
		StreamID:  pick(r.StreamID, r.StreamID2),
		IngestURL: pick(r.IngestURL, r.IngestURL2),
		EgressURL: pick(r.EgressURL, r.EgressURL2),
		StatusURL: pick(r.StatusURL, r.StatusURL2),
		UpdateURL: pick(r.UpdateURL, r.UpdateURL2),
		StopURL:   pick(r.StopURL, r.StopURL2),
		DataURL:   pick(r.DataURL, r.DataURL2),
		RTMPURL:   pick(r.RTMPURL, r.RTMPURL2),
	}, nil
}

func pick(snake, camel string) string {
	if snake != "" {
		return snake
	}
	return camel
}
