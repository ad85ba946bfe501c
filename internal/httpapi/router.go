package httpapi

import (
	"net/http"

	"github.com/debdevops/servicehub/internal/credentials"
	"github.com/debdevops/servicehub/internal/query"
	"github.com/debdevops/servicehub/internal/replay"
	"github.com/debdevops/servicehub/internal/rules"
	"github.com/debdevops/servicehub/internal/store"
	"github.com/debdevops/servicehub/pkg/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Dependencies wires every capability the REST surface calls through,
// assembled once at process startup by internal/bootstrap.
type Dependencies struct {
	Credentials credentials.Store
	Gateways    replay.GatewayFactory
	DlqStore    store.DlqStore
	Query       *query.Service
	Rules       *rules.Engine
	Replay      *replay.Executor
	Logger      log.Logger

	// MetricsHandler serves /metrics when set. Optional: callers that don't
	// want a Prometheus scrape surface (tests, the wiring demo) leave it nil.
	MetricsHandler http.Handler

	// Ready reports readiness for GET /readyz. Optional: nil means always
	// ready (used by tests and the wiring demo).
	Ready ReadinessChecker
}

// NewRouter builds the fiber application exposing every route spec.md §6
// names, wired against deps.
func NewRouter(deps Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return writeError(c, err)
		},
	})

	if deps.Logger == nil {
		deps.Logger = log.None
	}

	app.Use(recover.New())
	app.Use(withCorrelation())
	app.Use(withLogging(deps.Logger))

	if deps.MetricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.MetricsHandler))
	}

	health := &healthHandler{ready: deps.Ready}
	app.Get("/healthz", health.Live)
	app.Get("/readyz", health.Ready)

	ns := &namespaceHandler{deps: deps}
	msg := &messageHandler{deps: deps}
	dlq := &dlqHandler{deps: deps}
	rul := &ruleHandler{deps: deps}

	v1 := app.Group("/api/v1")

	namespaces := v1.Group("/namespaces")
	namespaces.Post("/", ns.Register)
	namespaces.Get("/", ns.List)
	namespaces.Get("/:id", ns.Get)
	namespaces.Delete("/:id", ns.Delete)

	namespaces.Get("/:id/queues", msg.ListQueues)
	namespaces.Get("/:id/topics", msg.ListTopics)
	namespaces.Get("/:id/topics/:topic/subscriptions", msg.ListSubscriptions)

	namespaces.Post("/:id/queues/:entity/messages", msg.SendQueue)
	namespaces.Post("/:id/topics/:topic/messages", msg.SendTopic)

	namespaces.Get("/:id/queues/:entity/messages", msg.PeekQueue)
	namespaces.Get("/:id/topics/:topic/subscriptions/:entity/messages", msg.PeekSubscription)

	namespaces.Post("/:id/queues/:entity/messages:deadLetter", msg.DeadLetterQueue)
	namespaces.Post("/:id/topics/:topic/subscriptions/:entity/messages:deadLetter", msg.DeadLetterSubscription)

	dlqGroup := v1.Group("/dlq")
	dlqGroup.Get("/summary", dlq.Summary)
	dlqGroup.Get("/", dlq.List)
	dlqGroup.Get("/:id", dlq.Get)
	dlqGroup.Get("/:id/timeline", dlq.Timeline)
	dlqGroup.Patch("/:id/notes", dlq.SetNotes)
	dlqGroup.Post("/:id/resolve", dlq.Resolve)
	dlqGroup.Post(":replayAll", dlq.ReplayAll)

	rulesGroup := v1.Group("/rules")
	rulesGroup.Post("/", rul.Create)
	rulesGroup.Get("/", rul.List)
	rulesGroup.Get("/:id", rul.Get)
	rulesGroup.Put("/:id", rul.Update)
	rulesGroup.Delete("/:id", rul.Delete)
	rulesGroup.Post(":test", rul.Test)

	return app
}
