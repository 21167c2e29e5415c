package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HeartbeatInterval is how often idle streams receive a keepalive.
var HeartbeatInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SSE streams the events of the tenant named by the :tenant path parameter.
func (h *Hub) SSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant is required"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		sub := h.Subscribe(tenantID)
		defer sub.Close()

		writeSSE(c.Writer, "connected", map[string]string{"tenant": tenantID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				writeSSE(c.Writer, evt.Event, evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

// WebSocket upgrades the request and writes each tenant event as a JSON text
// frame. Client frames are read only to detect the close.
func (h *Hub) WebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant is required"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("realtime: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		sub := h.Subscribe(tenantID)
		defer sub.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("realtime: websocket read: %v", err)
					}
					return
				}
			}
		}()

		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()

		if err := conn.WriteJSON(Event{Event: "connected", Data: map[string]string{"tenant": tenantID}, Emitted: time.Now().UTC()}); err != nil {
			return
		}
		for {
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case <-heartbeat.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					log.Printf("realtime: websocket write: %v", err)
					return
				}
			}
		}
	}
}
