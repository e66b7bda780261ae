package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/domain"
	"genstudio/internal/events"
)

// StreamGeneration serves a job's progress as server-sent events. Lines and
// the latest status are replayed first; the stream ends after the terminal
// event. A job that finished before the hub saw a subscriber is answered
// from its stored record. Only the owning customer may stream a job.
func (a *App) StreamGeneration(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "streaming unsupported")
		return
	}
	handle, err := a.handle(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	g, err := a.Generations.Get(r.Context(), handle, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev events.Event) error {
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, live := a.Streams.Terminal(jobID); !live && g.Status.IsTerminal() {
		for _, ev := range recordEvents(g, a.now) {
			if err := write(ev); err != nil {
				return
			}
		}
		return
	}

	sub := a.Streams.Subscribe(jobID)
	if err := events.Pump(r.Context(), sub, a.Keepalive, write); err != nil {
		a.Logger.Debug().Err(err).Str("job_id", jobID).Msg("event stream ended")
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if ev.Kind == events.KindKeepalive {
		_, err := fmt.Fprint(w, ": keepalive\n\n")
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Kind == events.KindLine {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Index); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

// recordEvents rebuilds the stream of a finished job from storage.
func recordEvents(g *domain.Generation, now func() time.Time) []events.Event {
	at := now()
	out := make([]events.Event, 0, len(g.Lines)+1)
	for i, line := range g.Lines {
		out = append(out, events.Event{Kind: events.KindLine, JobID: g.ID, Index: i, Text: line, At: at})
	}
	data := map[string]any{}
	switch g.Status {
	case domain.StatusDone:
		data["output_url"] = g.OutputURL
		data["prompt"] = g.Prompt
	case domain.StatusSuggested:
		data["prompt"] = g.Vars.Prompts.Final
		data["negative_prompt"] = g.Vars.Prompts.Negative
	case domain.StatusError:
		if g.Error != nil {
			data["code"] = string(g.Error.Code)
			data["message"] = g.Error.Message
		}
		data["refunded"] = g.Vars.Meta.Refunded
	}
	out = append(out, events.Event{Kind: events.KindTerminal, JobID: g.ID, Status: g.Status, Data: data, At: at})
	return out
}
