package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"scamprobe/internal/domain"
	"scamprobe/internal/progress"
)

// streamHandler serves one task's progress as server-sent events. The
// subscription belongs to the request; closing it never touches the task.
type streamHandler struct {
	tasks     TaskReader
	progress  progress.Broker
	heartbeat time.Duration
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	lastSeq int64
}

func (s *sseWriter) event(ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
		s.lastSeq = ev.Seq
	}
	name := "progress"
	if ev.IsHeartbeat {
		name = "heartbeat"
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func lastEventID(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "task_id")
	t, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &sseWriter{w: w, flusher: flusher, lastSeq: lastEventID(r)}
	if t.State.Terminal() {
		h.replayFinished(r, out, t)
		return
	}

	ch, cancel, err := h.progress.Subscribe(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("subscribe to progress")
		h.closeWithStored(r, out, taskID)
		return
	}
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				// Subscription ended without a terminal event; the stored
				// task is authoritative.
				h.closeWithStored(r, out, taskID)
				return
			}
			if ev.Seq > 0 && ev.Seq <= out.lastSeq {
				continue
			}
			if err := out.event(ev); err != nil {
				return
			}
			if ev.IsTerminal {
				return
			}
		case <-ticker.C:
			hb := domain.ProgressEvent{TaskID: taskID, Step: progress.StepHeartbeat, IsHeartbeat: true, TS: time.Now().UTC()}
			if err := out.event(hb); err != nil {
				return
			}
		}
	}
}

// replayFinished sends the kept history of a finished task, or a terminal
// event built from the stored task when the history is gone.
func (h streamHandler) replayFinished(r *http.Request, out *sseWriter, t *domain.Task) {
	hist, err := h.progress.History(r.Context(), t.ID)
	if err == nil && len(hist) > 0 && hist[len(hist)-1].IsTerminal {
		for _, ev := range hist {
			if ev.Seq > 0 && ev.Seq <= out.lastSeq {
				continue
			}
			if err := out.event(ev); err != nil {
				return
			}
		}
		return
	}
	ev, ok := progress.Terminal(t, time.Now().UTC())
	if !ok {
		return
	}
	if n := len(hist); n > 0 {
		ev.Seq = hist[n-1].Seq + 1
	}
	out.event(ev)
}

func (h streamHandler) closeWithStored(r *http.Request, out *sseWriter, taskID string) {
	t, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil || !t.State.Terminal() {
		return
	}
	ev, ok := progress.Terminal(t, time.Now().UTC())
	if !ok {
		return
	}
	ev.Seq = out.lastSeq + 1
	out.event(ev)
}
