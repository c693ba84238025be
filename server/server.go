package server

import (
	"bufio"
	"time"

	"feedrelay/db"
	"feedrelay/feed"
	"feedrelay/hub"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

var (
	webhookDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_webhook_deliveries_total",
		Help: "Number of webhook payload deliveries received",
	})
	entriesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_entries_ingested_total",
		Help: "Number of entries parsed out of webhook deliveries",
	})
	parseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_parse_failures_total",
		Help: "Number of webhook deliveries that failed to parse",
	})
)

type ServerConfig struct {

	// The store to write merged entries through
	Store *db.Store

	// The reader serving the cached snapshot endpoint
	Reader *db.Reader

	// Client used to signal the coordinator and to proxy live connections
	Hub *hub.Client

	// Origin allowed on browser-facing responses
	AllowedOrigin string
}

// Server returns the ingest gateway as a fiber.App. The gateway is
// stateless; any number of instances can run against the same database and
// the same coordinator.
func Server(config *ServerConfig) *fiber.App {

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		stop := time.Now()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": stop.Sub(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))

	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowedOrigin,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))

	// Subscription verification challenge
	app.Get("/webhook", func(c *fiber.Ctx) error {
		challenge := c.Query("hub.challenge")
		if challenge == "" {
			return c.Status(fiber.StatusBadRequest).SendString("Missing hub.challenge")
		}
		return c.SendString(challenge)
	})

	// Feed payload delivery
	app.Post("/webhook", func(c *fiber.Ctx) error {
		webhookDeliveriesTotal.Inc()

		topic := c.Query("topic")
		entries, err := feed.Parse(string(c.Body()), topic)
		if err != nil {
			parseFailuresTotal.Inc()
			log.WithFields(log.Fields{
				"error": err,
				"topic": topic,
			}).Warn("Discarding unparseable delivery")
		}

		if len(entries) > 0 {
			entriesIngestedTotal.Add(float64(len(entries)))

			// Live subscribers get the freshly parsed batch regardless of
			// how persistence fares; the two paths race by design.
			go func() {
				if err := config.Hub.Broadcast(entries); err != nil {
					log.WithFields(log.Fields{
						"error": err,
					}).Error("Broadcast signal failed")
				}
			}()

			if err := config.Store.MergeAndPersist(c.UserContext(), entries); err != nil {
				// The sender still gets a 202: redelivery would not make
				// the write succeed, it would only double the traffic.
				log.WithFields(log.Fields{
					"error": err,
				}).Error("Failed to persist entries")
			}
		}

		return c.Status(fiber.StatusAccepted).SendString("ok")
	})

	app.All("/webhook", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusMethodNotAllowed).SendString("Method not allowed")
	})

	// Cached snapshot of the retention log, served verbatim
	app.Get("/feed", func(c *fiber.Ctx) error {
		snapshot, err := config.Reader.Snapshot(c.UserContext())
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Error reading snapshot")
			return c.Status(fiber.StatusInternalServerError).SendString("Error reading snapshot")
		}

		// The cors middleware only decorates requests that carry an Origin
		// header; the snapshot advertises its origin policy on every
		// response.
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		c.Set(fiber.HeaderCacheControl, "no-store")
		c.Set(fiber.HeaderAccessControlAllowOrigin, config.AllowedOrigin)
		return c.SendString(snapshot)
	})

	// The live stream is a long-lived connection owned by the coordinator;
	// the client here keeps the upstream response open as a body stream
	// instead of buffering it.
	liveClient := &fasthttp.Client{
		StreamResponseBody: true,
	}

	app.Get("/live", func(c *fiber.Ctx) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		c.Request().CopyTo(req)
		req.SetRequestURI(config.Hub.LiveURL())
		if qs := c.Request().URI().QueryString(); len(qs) > 0 {
			req.URI().SetQueryStringBytes(qs)
		}

		if err := liveClient.Do(req, resp); err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Coordinator unreachable")
			return c.Status(fiber.StatusBadGateway).SendString("Coordinator unreachable")
		}

		if resp.StatusCode() != fiber.StatusOK {
			status := resp.StatusCode()
			body := append([]byte(nil), resp.Body()...)
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			return c.Status(status).Send(body)
		}

		c.Set(fiber.HeaderContentType, string(resp.Header.ContentType()))
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		stream := resp.BodyStream()
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer fasthttp.ReleaseRequest(req)
			defer fasthttp.ReleaseResponse(resp)

			buf := make([]byte, 4096)
			for {
				n, err := stream.Read(buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						return
					}
					if werr := w.Flush(); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}))

		return nil
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Non-preflight OPTIONS still get an empty 204; preflights are answered
	// by the cors middleware above.
	app.Options("/*", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).SendString("Not found")
	})

	return app
}
