// Package workflow performs guarded order mutations and records the
// resulting events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tulemar/ordersync/internal/domain"
	apperrors "github.com/tulemar/ordersync/pkg/errors"
	"github.com/tulemar/ordersync/pkg/logging"
	"github.com/tulemar/ordersync/pkg/metrics"
	"github.com/tulemar/ordersync/pkg/middleware"
	"github.com/tulemar/ordersync/pkg/tracing"
)

// Transition outcomes recorded in metrics
const (
	resultCommitted = "committed"
	resultIllegal   = "illegal"
	resultForbidden = "forbidden"
	resultStale     = "stale"
	resultNotFound  = "not_found"
	resultInvalid   = "invalid"
	resultError     = "error"
)

// Publisher appends an event to the durable log and broadcasts it
type Publisher interface {
	Publish(ctx context.Context, orderID string, eventType domain.EventType, payload any, actor *domain.Actor) (*domain.OrderEvent, error)
}

// TransitionCommand asks to move an order from Expected to To
type TransitionCommand struct {
	OrderID  string        `json:"order_id" validate:"required,ident"`
	To       domain.Status `json:"to" validate:"required"`
	Expected domain.Status `json:"expected" validate:"required"`
	Actor    domain.Actor  `json:"actor"`
	Reason   string        `json:"reason,omitempty" validate:"max=500"`
	// AssignShopperID is written with the status when set
	AssignShopperID *string `json:"assign_shopper_id,omitempty"`
}

// ItemCommand asks to move an item from Expected to To
type ItemCommand struct {
	OrderID       string               `json:"order_id" validate:"required,ident"`
	ItemID        string               `json:"item_id" validate:"required,ident"`
	Expected      domain.ItemStatus    `json:"expected" validate:"required"`
	To            domain.ItemStatus    `json:"to" validate:"required"`
	QuantityFound *int                 `json:"quantity_found,omitempty" validate:"omitempty,gte=0"`
	Note          string               `json:"note,omitempty" validate:"max=500"`
	PhotoRef      string               `json:"photo_ref,omitempty" validate:"max=500"`
	Substitution  *domain.Substitution `json:"substitution,omitempty"`
	Actor         domain.Actor         `json:"actor"`
}

// Result is a committed order write. EventRecorded is false when the row
// changed but its event could not be appended.
type Result struct {
	Order         *domain.Order      `json:"order"`
	Event         *domain.OrderEvent `json:"event,omitempty"`
	EventRecorded bool               `json:"event_recorded"`
}

// ItemResult is a committed item write
type ItemResult struct {
	Item          *domain.OrderItem  `json:"item"`
	Event         *domain.OrderEvent `json:"event,omitempty"`
	EventRecorded bool               `json:"event_recorded"`
}

// Service runs order workflow actions
type Service struct {
	store     domain.TransitionStore
	publisher Publisher
	auth      Authorizer
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithAuthorizer replaces the default ClaimedRole authorizer
func WithAuthorizer(auth Authorizer) Option {
	return func(s *Service) { s.auth = auth }
}

// WithMetrics records transition outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a workflow service
func NewService(store domain.TransitionStore, publisher Publisher, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		store:     store,
		publisher: publisher,
		auth:      ClaimedRole,
		logger:    logger.WithComponent("workflow"),
		tracer:    tracing.Tracer(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transition performs a compare-and-swap status change and records
// STATUS_CHANGED. Legality and role are checked before the store is touched.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.Transition", trace.WithAttributes(
		tracing.OrderAttributes(cmd.OrderID,
			attribute.String("order.status.expected", string(cmd.Expected)),
			attribute.String("order.status.to", string(cmd.To)),
			attribute.String("actor.role", string(cmd.Actor.Role)),
		)...,
	))
	res, err := s.transition(ctx, cmd)
	tracing.End(span, err)
	return res, err
}

func (s *Service) transition(ctx context.Context, cmd TransitionCommand) (*Result, error) {
	to := string(cmd.To)
	if appErr := middleware.ValidateStruct(cmd); appErr != nil {
		s.metrics.RecordTransition(to, resultInvalid)
		return nil, appErr
	}

	if err := domain.ValidateTransition(cmd.Expected, cmd.To); err != nil {
		if errors.Is(err, domain.ErrInvalidStatus) {
			s.metrics.RecordTransition(to, resultInvalid)
			return nil, apperrors.ErrValidation(err.Error()).Wrap(err)
		}
		s.metrics.RecordTransition(to, resultIllegal)
		return nil, apperrors.ErrIllegalTransition(string(cmd.Expected), to).Wrap(err)
	}

	if !allowed(ctx, s.auth, cmd.Actor, transitionRoles[cmd.To]) {
		s.metrics.RecordTransition(to, resultForbidden)
		return nil, apperrors.ErrForbidden(fmt.Sprintf("role %s may not move an order to %s", cmd.Actor.Role, cmd.To)).
			WithDetail("role", string(cmd.Actor.Role)).
			WithDetail("to", to)
	}

	order, err := s.store.TransitionStatus(ctx, domain.TransitionArgs{
		OrderID:         cmd.OrderID,
		To:              cmd.To,
		ExpectedCurrent: cmd.Expected,
		ActorID:         cmd.Actor.ID,
		ActorRole:       cmd.Actor.Role,
		AssignShopperID: cmd.AssignShopperID,
		At:              s.now(),
	})
	if err != nil {
		appErr, result := s.mapStoreError(err, "order", cmd.OrderID)
		s.metrics.RecordTransition(to, result)
		if result == resultStale {
			appErr = appErr.WithDetail("expected", string(cmd.Expected)).WithDetail("to", to)
		}
		s.logger.WithContext(ctx).WithError(err).Warn("Transition rejected",
			"orderId", cmd.OrderID, "expected", string(cmd.Expected), "to", to)
		return nil, appErr
	}
	s.metrics.RecordTransition(to, resultCommitted)
	s.logger.Audit(ctx, "transition", "order", cmd.OrderID, cmd.Actor.ID, map[string]any{
		"from": string(cmd.Expected),
		"to":   to,
	})

	res := &Result{Order: order}
	res.Event, res.EventRecorded = s.record(ctx, cmd.OrderID, domain.EventStatusChanged, domain.StatusChangedPayload{
		From:   cmd.Expected,
		To:     cmd.To,
		Reason: cmd.Reason,
	}, cmd.Actor)
	return res, nil
}

// record publishes an event for a committed write. The write stands even
// if this fails.
func (s *Service) record(ctx context.Context, orderID string, eventType domain.EventType, payload any, actor domain.Actor) (*domain.OrderEvent, bool) {
	event, err := s.publisher.Publish(ctx, orderID, eventType, payload, &actor)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Committed write has no event",
			"orderId", orderID, "eventType", string(eventType))
		return nil, false
	}
	return event, true
}

func (s *Service) mapStoreError(err error, resource, id string) (*apperrors.AppError, string) {
	switch {
	case errors.Is(err, domain.ErrStaleWrite):
		return apperrors.ErrStaleWrite("").Wrap(err), resultStale
	case errors.Is(err, domain.ErrOrderNotFound):
		return apperrors.ErrNotFoundWithID("order", id).Wrap(err), resultNotFound
	case errors.Is(err, domain.ErrItemNotFound):
		return apperrors.ErrNotFoundWithID(resource, id).Wrap(err), resultNotFound
	default:
		return apperrors.FromError(err), resultError
	}
}

// AcceptOrder claims a placed order for the acting shopper
func (s *Service) AcceptOrder(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	shopperID := actor.ID
	return s.Transition(ctx, TransitionCommand{
		OrderID:         orderID,
		Expected:        domain.StatusPlaced,
		To:              domain.StatusClaimed,
		Actor:           actor,
		AssignShopperID: &shopperID,
	})
}

// StartShopping moves a claimed order to shopping
func (s *Service) StartShopping(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: orderID, Expected: domain.StatusClaimed, To: domain.StatusShopping, Actor: actor})
}

// CompleteShopping moves a shopping order to ready
func (s *Service) CompleteShopping(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: orderID, Expected: domain.StatusShopping, To: domain.StatusReady, Actor: actor})
}

// MarkDelivered moves a ready order to delivered
func (s *Service) MarkDelivered(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: orderID, Expected: domain.StatusReady, To: domain.StatusDelivered, Actor: actor})
}

// CloseOrder moves a delivered order to closed
func (s *Service) CloseOrder(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: orderID, Expected: domain.StatusDelivered, To: domain.StatusClosed, Actor: actor})
}

// CancelOrder cancels an order that is still in expected
func (s *Service) CancelOrder(ctx context.Context, orderID string, expected domain.Status, actor domain.Actor, reason string) (*Result, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: orderID, Expected: expected, To: domain.StatusCanceled, Actor: actor, Reason: reason})
}

// StartDelivery stamps delivery_started_at on a ready order and records
// DELIVERY_STARTED. The status stays ready.
func (s *Service) StartDelivery(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.StartDelivery", trace.WithAttributes(tracing.OrderAttributes(orderID)...))
	res, err := s.startDelivery(ctx, orderID, actor)
	tracing.End(span, err)
	return res, err
}

func (s *Service) startDelivery(ctx context.Context, orderID string, actor domain.Actor) (*Result, error) {
	const metric = "delivery_started"
	if err := s.checkAction(ctx, orderID, actor, ActionStartDelivery); err != nil {
		s.metrics.RecordTransition(metric, resultFor(err))
		return nil, err
	}

	at := s.now()
	order, err := s.store.MarkDeliveryStarted(ctx, orderID, domain.StatusReady, at)
	if err != nil {
		appErr, result := s.mapStoreError(err, "order", orderID)
		s.metrics.RecordTransition(metric, result)
		if result == resultStale {
			appErr = appErr.WithDetail("expected", string(domain.StatusReady))
		}
		return nil, appErr
	}
	s.metrics.RecordTransition(metric, resultCommitted)
	s.logger.Audit(ctx, "start_delivery", "order", orderID, actor.ID, nil)

	res := &Result{Order: order}
	res.Event, res.EventRecorded = s.record(ctx, orderID, domain.EventDeliveryStarted, domain.DeliveryStartedPayload{
		DriverID:  actor.ID,
		StartedAt: at,
	}, actor)
	return res, nil
}

// UpdateItem performs a guarded item write and records ITEM_PICKED,
// ITEM_SKIPPED or SUBSTITUTION_PROPOSED
func (s *Service) UpdateItem(ctx context.Context, cmd ItemCommand) (*ItemResult, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.UpdateItem", trace.WithAttributes(
		tracing.OrderAttributes(cmd.OrderID,
			attribute.String("item.id", cmd.ItemID),
			attribute.String("item.status.to", string(cmd.To)),
		)...,
	))
	res, err := s.updateItem(ctx, cmd)
	tracing.End(span, err)
	return res, err
}

func (s *Service) updateItem(ctx context.Context, cmd ItemCommand) (*ItemResult, error) {
	metric := "item_" + string(cmd.To)
	if appErr := middleware.ValidateStruct(cmd); appErr != nil {
		s.metrics.RecordTransition(metric, resultInvalid)
		return nil, appErr
	}
	if err := domain.ValidateItemTransition(cmd.Expected, cmd.To); err != nil {
		if errors.Is(err, domain.ErrInvalidStatus) {
			s.metrics.RecordTransition(metric, resultInvalid)
			return nil, apperrors.ErrValidation(err.Error()).Wrap(err)
		}
		s.metrics.RecordTransition(metric, resultIllegal)
		return nil, apperrors.ErrIllegalTransition(string(cmd.Expected), string(cmd.To)).Wrap(err)
	}
	if cmd.To == domain.ItemSubstitutionNeeded && cmd.Substitution == nil {
		s.metrics.RecordTransition(metric, resultInvalid)
		return nil, apperrors.ErrValidationWithFields("validation failed", map[string]string{"substitution": "is required"})
	}
	if cmd.Substitution != nil {
		if appErr := middleware.ValidateStruct(cmd.Substitution); appErr != nil {
			s.metrics.RecordTransition(metric, resultInvalid)
			return nil, appErr
		}
	}
	if err := s.checkAction(ctx, cmd.OrderID, cmd.Actor, ActionUpdateItem); err != nil {
		s.metrics.RecordTransition(metric, resultForbidden)
		return nil, err
	}

	update := domain.ItemUpdate{
		OrderID:       cmd.OrderID,
		ItemID:        cmd.ItemID,
		Expected:      cmd.Expected,
		To:            cmd.To,
		QuantityFound: cmd.QuantityFound,
		Substitution:  cmd.Substitution,
		At:            s.now(),
	}
	if cmd.Note != "" {
		update.ShopperNote = &cmd.Note
	}
	if cmd.PhotoRef != "" {
		update.PhotoRef = &cmd.PhotoRef
	}

	item, err := s.store.UpdateItem(ctx, update)
	if err != nil {
		appErr, result := s.mapStoreError(err, "item", cmd.ItemID)
		s.metrics.RecordTransition(metric, result)
		if result == resultStale {
			appErr = appErr.WithDetail("expected", string(cmd.Expected)).WithDetail("to", string(cmd.To))
		}
		return nil, appErr
	}
	s.metrics.RecordTransition(metric, resultCommitted)
	s.logger.Audit(ctx, "update_item", "order_item", cmd.ItemID, cmd.Actor.ID, map[string]any{
		"orderId": cmd.OrderID,
		"to":      string(cmd.To),
	})

	eventType, payload := itemEvent(cmd, item)
	res := &ItemResult{Item: item}
	res.Event, res.EventRecorded = s.record(ctx, cmd.OrderID, eventType, payload, cmd.Actor)
	return res, nil
}

func itemEvent(cmd ItemCommand, item *domain.OrderItem) (domain.EventType, any) {
	switch cmd.To {
	case domain.ItemSkipped:
		return domain.EventItemSkipped, domain.ItemSkippedPayload{
			ItemID:    item.ID,
			ProductID: item.ProductID,
			Reason:    cmd.Note,
		}
	case domain.ItemSubstitutionNeeded:
		return domain.EventSubstitutionProposed, domain.SubstitutionProposedPayload{
			ItemID:       item.ID,
			Substitution: *cmd.Substitution,
		}
	default:
		return domain.EventItemPicked, domain.ItemPickedPayload{
			ItemID:        item.ID,
			ProductID:     item.ProductID,
			QuantityFound: item.QuantityFound,
			ShopperNote:   item.ShopperNote,
			PhotoRef:      item.PhotoRef,
		}
	}
}

// AddNote records NOTE_ADDED
func (s *Service) AddNote(ctx context.Context, orderID string, actor domain.Actor, note string) (*domain.OrderEvent, error) {
	if note == "" {
		return nil, apperrors.ErrValidationWithFields("validation failed", map[string]string{"note": "is required"})
	}
	return s.publishAction(ctx, orderID, actor, ActionAddNote, domain.EventNoteAdded, domain.NoteAddedPayload{Note: note})
}

// DecideSubstitution records the customer's answer to a proposed substitution
func (s *Service) DecideSubstitution(ctx context.Context, orderID, itemID string, approved bool, actor domain.Actor) (*domain.OrderEvent, error) {
	if itemID == "" {
		return nil, apperrors.ErrValidationWithFields("validation failed", map[string]string{"item_id": "is required"})
	}
	return s.publishAction(ctx, orderID, actor, ActionDecideSubstitution, domain.EventSubstitutionDecided,
		domain.SubstitutionDecidedPayload{ItemID: itemID, Approved: approved})
}

// AttachPhoto records PHOTO_ATTACHED
func (s *Service) AttachPhoto(ctx context.Context, orderID, itemID, photoRef string, actor domain.Actor) (*domain.OrderEvent, error) {
	if photoRef == "" {
		return nil, apperrors.ErrValidationWithFields("validation failed", map[string]string{"photo_ref": "is required"})
	}
	return s.publishAction(ctx, orderID, actor, ActionAttachPhoto, domain.EventPhotoAttached,
		domain.PhotoAttachedPayload{ItemID: itemID, PhotoRef: photoRef})
}

func (s *Service) publishAction(ctx context.Context, orderID string, actor domain.Actor, action Action, eventType domain.EventType, payload any) (*domain.OrderEvent, error) {
	if err := s.checkAction(ctx, orderID, actor, action); err != nil {
		return nil, err
	}
	return s.publisher.Publish(ctx, orderID, eventType, payload, &actor)
}

func (s *Service) checkAction(ctx context.Context, orderID string, actor domain.Actor, action Action) error {
	if orderID == "" {
		return apperrors.ErrValidationWithFields("validation failed", map[string]string{"order_id": "is required"})
	}
	if appErr := middleware.ValidateStruct(actor); appErr != nil {
		return appErr
	}
	if !allowed(ctx, s.auth, actor, actionRoles[action]) {
		return apperrors.ErrForbidden(fmt.Sprintf("role %s may not %s", actor.Role, action)).
			WithDetail("role", string(actor.Role)).
			WithDetail("action", string(action))
	}
	return nil
}

func resultFor(err error) string {
	switch {
	case apperrors.HasCode(err, apperrors.CodeForbidden):
		return resultForbidden
	case apperrors.HasCode(err, apperrors.CodeValidationError):
		return resultInvalid
	default:
		return resultError
	}
}
