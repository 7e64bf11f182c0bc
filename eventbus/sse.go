package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxtopus/fluxos-sub009/domain"
)

// heartbeatInterval matches spec §4.2/§6: "periodically emits heartbeats"
// every 30 seconds.
const heartbeatInterval = 30 * time.Second

// StreamTaskEvents bridges the bus to an SSE HTTP response for a single
// task (spec §4.2, §6). Subscribes to every task event ("task.**") and
// filters by TaskID with a Filter, since event Type carries the
// component/verb ("task.step.completed") rather than the task id —
// pattern matching alone can't narrow to one task.
// Grounded on itsneelabh-gomind/ui/transports/sse/sse.go's flusher and
// header-setting idiom.
func StreamTaskEvents(w http.ResponseWriter, r *http.Request, bus *Bus, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	onlyThisTask := func(ev domain.Event) bool { return ev.TaskID == taskID }
	subID, ch := bus.Subscribe("task.**", onlyThisTask, nil)
	defer bus.Unsubscribe(subID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSEEvent(w, flusher, event) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event domain.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
