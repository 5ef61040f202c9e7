package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tulemar/ordersync/internal/domain"
	"github.com/tulemar/ordersync/internal/eventbus"
	"github.com/tulemar/ordersync/internal/reconciler"
	"github.com/tulemar/ordersync/internal/workflow"
	apperrors "github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/middleware"
)

// Handlers serves the order API
type Handlers struct {
	bus        *eventbus.Bus
	workflow   *workflow.Service
	logger     *logging.Logger
	eventLimit int
	heartbeat  time.Duration
}

// NewHandlers creates the order API handlers
func NewHandlers(bus *eventbus.Bus, svc *workflow.Service, logger *logging.Logger, eventLimit int, heartbeat time.Duration) *Handlers {
	if logger == nil {
		logger = logging.Nop()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handlers{
		bus:        bus,
		workflow:   svc,
		logger:     logger.WithComponent("api"),
		eventLimit: eventLimit,
		heartbeat:  heartbeat,
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	middleware.RespondError(c, h.logger.Logger, err)
}

func actorFrom(c *gin.Context) domain.Actor {
	id, role := middleware.GetActor(c)
	return domain.Actor{ID: id, Role: domain.Role(role)}
}

// GetSnapshot handles GET /api/v1/orders/:orderId/snapshot
func (h *Handlers) GetSnapshot(c *gin.Context) {
	orderID := c.Param("orderId")

	snapshot, err := h.bus.GetOrderSnapshot(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, apperrors.ErrTimeout("snapshot read").Wrap(err))
		return
	}
	if snapshot.Order == nil && !snapshot.Partial() {
		h.fail(c, apperrors.ErrNotFoundWithID("order", orderID))
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// Transition handles POST /api/v1/orders/:orderId/transitions
func (h *Handlers) Transition(c *gin.Context) {
	var req TransitionRequest
	if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
		h.fail(c, appErr)
		return
	}

	res, err := h.workflow.Transition(c.Request.Context(), workflow.TransitionCommand{
		OrderID:  c.Param("orderId"),
		Expected: req.Expected,
		To:       req.To,
		Reason:   req.Reason,
		Actor:    actorFrom(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Accept handles POST /api/v1/orders/:orderId/accept
func (h *Handlers) Accept(c *gin.Context) {
	h.respond(c, func(ctx context.Context, orderID string, actor domain.Actor) (*workflow.Result, error) {
		return h.workflow.AcceptOrder(ctx, orderID, actor)
	})
}

// StartDelivery handles POST /api/v1/orders/:orderId/delivery/start
func (h *Handlers) StartDelivery(c *gin.Context) {
	h.respond(c, h.workflow.StartDelivery)
}

// Cancel handles POST /api/v1/orders/:orderId/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	var req CancelRequest
	if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
		h.fail(c, appErr)
		return
	}
	res, err := h.workflow.CancelOrder(c.Request.Context(), c.Param("orderId"), req.Expected, actorFrom(c), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) respond(c *gin.Context, fn func(context.Context, string, domain.Actor) (*workflow.Result, error)) {
	res, err := fn(c.Request.Context(), c.Param("orderId"), actorFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateItem handles PATCH /api/v1/orders/:orderId/items/:itemId
func (h *Handlers) UpdateItem(c *gin.Context) {
	var req ItemUpdateRequest
	if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
		h.fail(c, appErr)
		return
	}

	res, err := h.workflow.UpdateItem(c.Request.Context(), workflow.ItemCommand{
		OrderID:       c.Param("orderId"),
		ItemID:        c.Param("itemId"),
		Expected:      req.Expected,
		To:            req.To,
		QuantityFound: req.QuantityFound,
		Note:          req.Note,
		PhotoRef:      req.PhotoRef,
		Substitution:  req.Substitution,
		Actor:         actorFrom(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PublishEvent handles POST /api/v1/orders/:orderId/events
func (h *Handlers) PublishEvent(c *gin.Context) {
	var req PublishRequest
	if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
		h.fail(c, appErr)
		return
	}
	actor := actorFrom(c)

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	event, err := h.bus.Publish(c.Request.Context(), c.Param("orderId"), req.EventType, payload, &actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// Stream handles GET /api/v1/orders/:orderId/stream. It sends the
// reconciled order state as server-sent events after every change.
func (h *Handlers) Stream(c *gin.Context) {
	orderID := c.Param("orderId")
	ctx := c.Request.Context()

	rec := reconciler.New(orderID, reconciler.Options{EventLimit: h.eventLimit, Logger: h.logger})
	detach, err := rec.Attach(ctx, h.bus)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer detach()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("state", rec.State())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case state := <-rec.Updates():
			c.SSEvent("state", state)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
	h.logger.Debug("Stream closed", "orderId", orderID)
}
