package triggerbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/framesync/internal/httputil"
)

// AttachAdminRoutes mounts the bus debugging endpoints under /debug/. These
// routes are accessible only over localhost/via Tailscale.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Triggers published", func() any { return b.published.Load() })

	debug.HandleFunc("trigger-bus", "trigger bus subscribers and drop counters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		httputil.WriteJSONOK(w, b.Stats())
	})

	// Server-Sent Events stream of published triggers. Each open tail holds a
	// subscriber slot for as long as the client stays connected.
	debug.HandleSilentFunc("trigger-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub, err := b.Subscribe()
		if errors.Is(err, ErrTooManySubscribers) {
			http.Error(w, "No subscriber slots available", http.StatusServiceUnavailable)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case t, ok := <-sub.C():
				if !ok {
					return
				}
				payload, err := json.Marshal(t)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
