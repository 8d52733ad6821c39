// Package sse streams engine events to dashboards as text/event-stream.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	kiterr "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
	"github.com/c0deZ3R0/marketsync/transport/stream"
)

// EventDropped is sent as the last frame when the subscriber fell behind.
// Clients should reconnect.
const EventDropped = "sync_stream_dropped"

type Server struct {
	Source    stream.Source
	Logger    *slog.Logger
	Heartbeat time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(source stream.Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("transport/sse")).Logger
	}
	return &Server{
		Source:    source,
		Logger:    logger,
		Heartbeat: 15 * time.Second,
	}
}

// Handler serves one subscription per request. Filters come from the query
// string: entityType, entityId, marketplaceId and types.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub, caller := stream.Open(w, r, s.Source)
		if sub == nil {
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
		flusher.Flush()

		heartbeat := time.NewTicker(s.Heartbeat)
		defer heartbeat.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.Events():
				if !ok {
					if sub.Dropped() {
						fmt.Fprintf(w, "event: %s\ndata: {}\n\n", EventDropped)
						flusher.Flush()
					}
					return
				}
				if !stream.Visible(caller, ev) {
					continue
				}
				if err := writeEvent(w, ev); err != nil {
					e := kiterr.E(
						kiterr.Op("sse.Handler"),
						kiterr.Component("transport/sse"),
						kiterr.KindInternal,
						err, "writeEvent",
					)
					s.Logger.Error("stream write failed", "subscription_id", sub.ID, "error", e)
					return
				}
				flusher.Flush()
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, ev synckit.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, b)
	return err
}
