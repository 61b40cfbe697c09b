package boundary

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// StreamRequest is the decoded body of POST /stream:
// {thread_id, message?, resume_payload?}.
type StreamRequest struct {
	ThreadID      string         `mapstructure:"thread_id"`
	Message       map[string]any `mapstructure:"message"`
	ResumePayload map[string]any `mapstructure:"resume_payload"`
}

// decodeStreamRequest decodes raw JSON-as-map into a StreamRequest,
// rejecting unknown fields rather than silently dropping them.
func decodeStreamRequest(raw map[string]any) (StreamRequest, error) {
	var req StreamRequest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &req,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return StreamRequest{}, fmt.Errorf("boundary: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return StreamRequest{}, err
	}
	return req, nil
}
