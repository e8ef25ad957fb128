package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

var (
	readyTimeout      = 2 * time.Second
	keepaliveInterval = 15 * time.Second
)

// handleTail streams {container_id, sequence} events over SSE. It first
// replays entries after Last-Event-ID (or ?after=), then follows live
// appends. The event id is the sequence number, so a reconnecting client
// resumes without gaps.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if s.tail == nil {
		WriteNotFound(w, r, "tail streaming not configured")
		return
	}
	cid, ok := containerParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErr(w, r, fmt.Errorf("response writer does not support flushing"))
		return
	}

	var last uint64
	from := r.Header.Get("Last-Event-ID")
	if from == "" {
		from = r.URL.Query().Get("after")
	}
	if from != "" {
		n, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "Last-Event-ID must be a sequence number")
			return
		}
		last = n
	}

	// Subscribe before replaying so nothing appended in between is lost.
	live, cancel := s.tail.Subscribe(&cid)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	catchUp := func() bool {
		entries, err := s.ledger.Entries(ctx, cid, last, 0)
		if err != nil {
			s.logger.WarnContext(ctx, "tail replay failed", "container_id", cid.String(), "error", err)
			return false
		}
		for _, e := range entries {
			if err := writeEvent(w, contracts.Notification{ContainerID: cid, Sequence: e.Sequence}); err != nil {
				return false
			}
			last = e.Sequence
		}
		flusher.Flush()
		return true
	}
	if !catchUp() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-live:
			if !open {
				return
			}
			if n.Sequence <= last {
				continue
			}
			// Read from the ledger rather than trusting the notification so a
			// dropped notification never leaves a gap.
			if !catchUp() {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n contracts.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: commit\ndata: %s\n\n", n.Sequence, data)
	return err
}
