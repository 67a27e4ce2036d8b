package session

import (
	"context"
	"sort"
	"sync"
)

// Watcher tracks which sessions to poll and the per-session message cursor,
// so each poll only sees messages that arrived since the last one.
type Watcher struct {
	mu      sync.Mutex
	api     API
	cursors map[string]int
}

// NewWatcher builds a watcher over the API.
func NewWatcher(api API) *Watcher {
	return &Watcher{api: api, cursors: map[string]int{}}
}

// Watch starts polling a session from the given cursor.
func (w *Watcher) Watch(sessionID string, after int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cursors[sessionID]; !ok {
		w.cursors[sessionID] = after
	}
}

// Unwatch stops polling a session.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cursors, sessionID)
}

// Watching returns the watched session ids in stable order.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.cursors))
	for id := range w.cursors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Poll fetches new assistant messages for every watched session and advances
// the cursors. Sessions with no new output are omitted from the result.
func (w *Watcher) Poll(ctx context.Context) (map[string][]Message, error) {
	out := map[string][]Message{}
	for _, id := range w.Watching() {
		w.mu.Lock()
		cursor := w.cursors[id]
		w.mu.Unlock()

		msgs, err := w.api.Messages(ctx, id, cursor)
		if err != nil {
			return nil, err
		}
		var assistant []Message
		for _, m := range msgs {
			if m.ID > cursor {
				cursor = m.ID
			}
			if m.Role == "assistant" {
				assistant = append(assistant, m)
			}
		}
		w.mu.Lock()
		if _, still := w.cursors[id]; still {
			w.cursors[id] = cursor
		}
		w.mu.Unlock()
		if len(assistant) > 0 {
			out[id] = assistant
		}
	}
	return out, nil
}
