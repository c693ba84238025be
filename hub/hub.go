// Package hub hosts the coordinator, the one stateful process of the relay.
// It owns the map of live subscriber connections and pushes freshly ingested
// entry batches to all of them over server-sent events.
package hub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

var (
	connectedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_hub_connected_subscribers",
		Help: "Number of currently connected live subscribers",
	})
	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_hub_broadcasts_total",
		Help: "Number of entry batches broadcast to subscribers",
	})
	droppedSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_hub_dropped_subscribers_total",
		Help: "Number of subscribers dropped for not draining their sink",
	})
)

// Registry maps connection ids to subscriber sinks. All mutation happens
// under the embedded lock; sends happen under the read lock and closes under
// the write lock, so a sink can never be closed mid-send.
type Registry struct {
	sync.RWMutex
	sessions map[string]chan []byte
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]chan []byte),
	}
}

// Connect registers a new subscriber and returns its assigned connection id
// together with the sink the transport drains. Never fails.
func (r *Registry) Connect() (string, chan []byte) {
	id := uuid.New().String()
	sink := make(chan []byte, 16)

	r.Lock()
	r.sessions[id] = sink
	count := len(r.sessions)
	r.Unlock()

	connectedSubscribers.Inc()
	log.WithFields(log.Fields{
		"connectionId": id,
		"count":        count,
	}).Info("Subscriber connected")

	return id, sink
}

// Disconnect removes a subscriber and closes its sink. Idempotent; called
// both on client-side closure and when a broadcast write fails.
func (r *Registry) Disconnect(id string) {
	r.Lock()
	defer r.Unlock()

	sink, ok := r.sessions[id]
	if !ok {
		return
	}

	close(sink)
	delete(r.sessions, id)
	connectedSubscribers.Dec()

	log.WithFields(log.Fields{
		"connectionId": id,
		"count":        len(r.sessions),
	}).Info("Subscriber disconnected")
}

// Broadcast pushes one entry batch to every registered subscriber. The batch
// is serialized once; subscribers that do not drain their sink are treated
// as dead and removed rather than stalling everyone else. Cheap no-op when
// the batch is empty or nobody is listening.
func (r *Registry) Broadcast(entries []models.Entry) {
	if len(entries) == 0 {
		return
	}

	r.RLock()
	if len(r.sessions) == 0 {
		r.RUnlock()
		return
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		r.RUnlock()
		log.Errorf("Error marshalling broadcast payload: %v", err)
		return
	}

	var dead []string
	for id, sink := range r.sessions {
		select {
		case sink <- payload: // Non-blocking send
		default:
			dead = append(dead, id)
		}
	}
	r.RUnlock()

	broadcastsTotal.Inc()

	for _, id := range dead {
		log.Warnf("Subscriber sink full, dropping client: %v", id)
		r.Disconnect(id)
		droppedSubscribersTotal.Inc()
	}
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every subscriber sink, ending their streams.
func (r *Registry) Shutdown() {
	log.Info("Shutting down subscriber registry")
	r.Lock()
	defer r.Unlock()
	for id, sink := range r.sessions {
		close(sink)
		delete(r.sessions, id)
		connectedSubscribers.Dec()
	}
}

type Config struct {

	// Origin allowed on the event stream responses
	AllowedOrigin string

	// Registry holding the live subscriber sinks
	Registry *Registry
}

// App returns the coordinator's internal HTTP server. It is never exposed to
// clients directly: the gateway proxies /live requests to it and posts
// broadcast signals to /broadcast.
func App(config *Config) *fiber.App {

	registry := config.Registry

	app := fiber.New()

	app.Post("/broadcast", func(c *fiber.Ctx) error {
		payload := new(models.BroadcastPayload)
		if err := c.BodyParser(payload); err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid payload")
		}
		registry.Broadcast(payload.Entries)
		return c.SendString("ok")
	})

	// Any GET asking for an event stream opens a live connection, whatever
	// the path; the gateway forwards /live here unchanged.
	app.Get("/*", func(c *fiber.Ctx) error {
		if !strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
			return c.Status(fiber.StatusNotFound).SendString("Not found")
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Access-Control-Allow-Origin", config.AllowedOrigin)

		id, sink := registry.Connect()

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer registry.Disconnect(id)

			keepAlive := time.NewTicker(5 * time.Second)
			defer keepAlive.Stop()

			// Announce the assigned connection id before anything else
			open, _ := json.Marshal(map[string]string{"connectionId": id})
			fmt.Fprintf(w, "event: open\ndata: %s\n\n", open)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send open event to %s: %v", id, err)
				return
			}

			for {
				select {
				case <-keepAlive.C:
					// Pings bound how long a dead connection lingers: the
					// failed write is what triggers cleanup.
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}

				case payload, ok := <-sink:
					if !ok {
						return
					}
					if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
						log.Warnf("Failed to send entries to client %s: %v", id, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush entries for client %s: %v", id, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}
