package proxy

import (
	"encoding/json"
	"io"
	"net/http"
)

// writeSSE sends one server-sent event. An empty event name emits a plain
// data frame, which is what the OpenAI chat stream uses.
func writeSSE(w io.Writer, flusher http.Flusher, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if event != "" {
		_, _ = io.WriteString(w, "event: "+event+"\n")
	}
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

func writeSSERaw(w io.Writer, flusher http.Flusher, frame string) {
	_, _ = io.WriteString(w, frame)
	flusher.Flush()
}
