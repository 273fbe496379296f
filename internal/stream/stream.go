// Package stream writes streaming.Manager snapshots to an
// http.ResponseWriter as OpenAI-compatible Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gatewaycore/llmcore/internal/streaming"
)

// sseChunk is the top-level JSON object in each SSE event, matching the
// OpenAI chat-completion-chunk shape clients already know how to parse.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage only appears on the final event, matching OpenAI's behavior.
	Usage *sseUsage `json:"usage,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

// sseDelta holds the incremental content in each event. Snapshot.Text is
// cumulative, so Write diffs it against what it already sent.
type sseDelta struct {
	Content string `json:"content,omitempty"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func finishReasonFor(status streaming.Status) *string {
	var reason string
	switch status {
	case streaming.StatusComplete:
		reason = "stop"
	case streaming.StatusCancelled:
		reason = "cancelled"
	case streaming.StatusFailed:
		reason = "error"
	default:
		return nil
	}
	return &reason
}

// Write reads Snapshots from snaps and writes them to w as OpenAI-style
// "data: {json}\n\n" events, finishing with "data: [DONE]\n\n". id and
// model populate every event's id/model fields, matching what a
// completions response carries.
func Write(w http.ResponseWriter, id, model string, snaps <-chan streaming.Snapshot) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var sent string // cumulative text already flushed to the client
	for snap := range snaps {
		if snap.Status == streaming.StatusFailed && snap.Err != nil {
			log.Printf("stream: upstream error: %v", snap.Err)
		}

		delta, ok := strings.CutPrefix(snap.Text, sent)
		if !ok {
			// The provider sent text that doesn't extend what we already
			// flushed (a reconnect or a provider bug); resync on the
			// full text rather than emit garbage.
			delta = snap.Text
		}
		sent = snap.Text

		finished := snap.Status != streaming.StatusStreaming
		if delta != "" {
			if err := writeEvent(w, flusher, sseChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Model:   model,
				Choices: []sseChoice{{Index: 0, Delta: sseDelta{Content: delta}}},
			}); err != nil {
				return err
			}
		}

		if finished {
			event := sseChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Model:   model,
				Choices: []sseChoice{{Index: 0, Delta: sseDelta{}, FinishReason: finishReasonFor(snap.Status)}},
			}
			if snap.Usage != nil {
				event.Usage = &sseUsage{
					PromptTokens:     snap.Usage.PromptTokens,
					CompletionTokens: snap.Usage.CompletionTokens,
					TotalTokens:      snap.Usage.TotalTokens,
				}
			}
			if err := writeEvent(w, flusher, event); err != nil {
				return err
			}
		}
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("stream: writing done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event sseChunk) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stream: marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("stream: writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}
