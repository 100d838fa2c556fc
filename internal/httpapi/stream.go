package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"campusid.org/internal/stream"
	"campusid.org/internal/verify"
)

// ScanStream handles Server-Sent Events for the live scan feed.
func (a *API) ScanStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (a *API) publishScan(res verify.Result, src verify.Source) {
	if a.stream == nil {
		return
	}
	evt := stream.ScanEvent{
		Result:    string(res.Disposition),
		IP:        src.IP,
		Lat:       src.Lat,
		Lng:       src.Lng,
		ScannedAt: time.Now().UTC(),
	}
	if res.Student != nil {
		evt.RegNo = res.Student.RegNo
		evt.Name = res.Student.Name
	}
	a.stream.Publish(evt)
}
