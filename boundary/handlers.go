package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/interrupt"
	"github.com/sosodennis/valuation-graph/registry"
	"github.com/sosodennis/valuation-graph/stream"
)

// handleStream implements POST /stream: starts a new
// execution (or resumes a suspended one, when resume_payload is present
// for an existing thread_id) and streams its events back as SSE.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.checkProtocolVersion(r) {
		writeError(w, errVersionMismatch)
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeBadRequest(w, "malformed JSON body")
		return
	}

	req, err := decodeStreamRequest(raw)
	if err != nil {
		writeValidationError(w, []FieldError{{Loc: "body", Msg: err.Error(), Type: "type_error"}})
		return
	}

	if len(req.Message) == 0 && len(req.ResumePayload) == 0 {
		writeBadRequest(w, "at least one of message or resume_payload is required")
		return
	}

	var handle registry.Handle
	if len(req.ResumePayload) > 0 && req.ThreadID != "" {
		cmd := interrupt.NewResumeCommand()
		for id, v := range req.ResumePayload {
			cmd.WithValue(id, v)
		}
		handle, err = s.reg.Resume(r.Context(), req.ThreadID, cmd)
	} else {
		input, merr := s.input(req.Message)
		if merr != nil {
			writeValidationError(w, []FieldError{{Loc: "message", Msg: merr.Error(), Type: "type_error"}})
			return
		}
		handle, err = s.reg.Start(r.Context(), req.ThreadID, input)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.streamSSE(w, r, handle.ThreadID)
}

// streamSSE attaches a subscriber to threadID and writes every envelope as
// an SSE `data:` line until the run's lifecycle.end event, the client
// disconnects, or the request context is cancelled.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	var lastSeqID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastSeqID = n
		}
	}

	ch, unsub, err := s.reg.Attach(threadID, lastSeqID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Protocol-Version", s.protocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, flusher, env.SeqID, env)
			if isTerminalType(env.Type) {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, seqID uint64, env any) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("id: " + strconv.FormatUint(seqID, 10) + "\n"))
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
	flusher.Flush()
}

// isTerminalType reports whether envType ends the SSE stream for this
// request: the dispatcher's full-ring replay already delivered any
// lifecycle.start a late subscriber needs, so lifecycle.end is the only
// type the client should treat as "the run is over."
func isTerminalType(envType string) bool {
	return envType == stream.TypeLifecycleEnd
}

// handleCancel implements POST /threads/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if err := s.reg.Cancel(threadID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetThread implements GET /threads/{id}: {last_seq_id, status,
// interrupt?}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	status, lastSeqID, pending, err := s.reg.Describe(threadID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"last_seq_id": lastSeqID,
		"status":      status,
	}
	if len(pending) > 0 {
		resp["interrupt"] = map[string]any{
			"id":      pending[0].ID,
			"payload": pending[0].Payload,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// historyEntry is the checkpoint metadata GET /threads/{id}/history
// returns: id, parent id, created_at, source — never the raw state blob.
type historyEntry struct {
	CheckpointID string `json:"checkpoint_id"`
	ParentID     string `json:"parent_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	Source       string `json:"source"`
}

// handleHistory implements GET /threads/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	limit := 50
	checkpoints, err := s.saver.List(context.Background(), threadID, "", limit)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, registry.ErrNotFound)
			return
		}
		writeError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(checkpoints))
	for _, cp := range checkpoints {
		entries = append(entries, historyEntry{
			CheckpointID: cp.CheckpointID,
			ParentID:     cp.ParentID,
			CreatedAt:    cp.CreatedAt.Format(timeRFC3339),
			Source:       string(cp.Metadata.Source),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"checkpoints": entries})
}

const timeRFC3339 = "2006-01-02T15:04:05Z07:00"

var errVersionMismatch = errors.New("version_mismatch: unsupported protocol_version")
