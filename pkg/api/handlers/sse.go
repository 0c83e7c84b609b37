package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/cluster"
)

const (
	sseKeepAlive  = 15 * time.Second
	sseBufferSize = 64
)

// writeSSEEvent writes one SSE event and flushes
func writeSSEEvent(w *bufio.Writer, eventName string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[SSE] marshal error: %v", err)
		return nil
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, jsonData)
	return w.Flush()
}

// StreamClusters streams the cluster list followed by every registry change
// as server-sent events until the client goes away.
func (h *ClusterHandlers) StreamClusters(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	events := make(chan cluster.Event, sseBufferSize)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe := h.registry.Subscribe(func(ev cluster.Event) {
		if overflowed {
			return
		}
		select {
		case events <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	})

	initial := h.registry.List()
	views := make([]ClusterView, 0, len(initial))
	for _, r := range initial {
		views = append(views, h.view(r))
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if err := writeSSEEvent(w, "clusters", views); err != nil {
			return
		}

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case ev := <-events:
				if err := writeSSEEvent(w, string(ev.Type), h.view(ev.Record)); err != nil {
					return
				}
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-overflow:
				// The client reconnects and gets a fresh list
				log.Printf("[SSE] cluster stream fell behind, closing")
				return
			}
		}
	})
	return nil
}
