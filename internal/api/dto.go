package api

import (
	"encoding/json"

	"github.com/tulemar/ordersync/internal/domain"
)

// TransitionRequest is the body of POST /transitions
type TransitionRequest struct {
	Expected domain.Status `json:"expected" binding:"required"`
	To       domain.Status `json:"to" binding:"required"`
	Reason   string        `json:"reason" binding:"max=500"`
}

// CancelRequest is the body of POST /cancel
type CancelRequest struct {
	Expected domain.Status `json:"expected" binding:"required"`
	Reason   string        `json:"reason" binding:"max=500"`
}

// ItemUpdateRequest is the body of PATCH /items/:itemId
type ItemUpdateRequest struct {
	Expected      domain.ItemStatus    `json:"expected" binding:"required"`
	To            domain.ItemStatus    `json:"to" binding:"required"`
	QuantityFound *int                 `json:"quantity_found" binding:"omitempty,gte=0"`
	Note          string               `json:"note" binding:"max=500"`
	PhotoRef      string               `json:"photo_ref" binding:"max=500"`
	Substitution  *domain.Substitution `json:"substitution"`
}

// PublishRequest is the body of POST /events
type PublishRequest struct {
	EventType domain.EventType `json:"event_type" binding:"required"`
	Payload   json.RawMessage  `json:"payload"`
}
