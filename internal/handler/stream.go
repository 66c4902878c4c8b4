package handler

import (
	"fmt"
	"net/http"

	"github.com/avolkov/loyaltypos/internal/stream"
)

// Stream держит SSE-подписку дашборда: каждое событие ядра, попадающее
// в область видимости роли, уходит клиенту отдельным сообщением.
// Подписка разбирается при разрыве соединения или закрытии канала хабом.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe(stream.Scope{AccountID: id.AccountID, Role: id.Role})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				// Хаб закрыл отстающую подписку: клиент переподключится
				// и перечитает состояние.
				return
			}

			payload := ev.Payload
			if payload == nil {
				payload = []byte("{}")
			}

			fmt.Fprintf(w, "event: %s\n", ev.Topic)
			fmt.Fprintf(w, "id: %s\n", ev.EntityID)
			if ev.Deleted {
				fmt.Fprintf(w, "data: {\"entityId\":%q,\"deleted\":true}\n\n", ev.EntityID)
			} else {
				fmt.Fprintf(w, "data: %s\n\n", payload)
			}
			flusher.Flush()
		}
	}
}
