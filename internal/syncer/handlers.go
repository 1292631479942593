package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fentz26/pulse/internal/models"
)

// Remote is the part of the remote API the orchestrator calls.
type Remote interface {
	Create(ctx context.Context, rt models.ResourceType, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, rt models.ResourceType, id, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, rt models.ResourceType, id, idempotencyKey string) error
	Custom(ctx context.Context, rt models.ResourceType, name, id, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error)
	List(ctx context.Context, rt models.ResourceType) ([]models.CachedEntity, error)
}

// ResourceHandler applies one action kind against the remote API. Every
// resource type has exactly one handler, so adding an operation kind means
// changing this interface.
type ResourceHandler interface {
	Add(ctx context.Context, a models.PendingAction) error
	Update(ctx context.Context, a models.PendingAction) error
	Delete(ctx context.Context, a models.PendingAction) error
	Custom(ctx context.Context, a models.PendingAction) error
}

// RESTHandler maps actions onto the remote collection for one resource type.
// The action id is the idempotency key.
type RESTHandler struct {
	Remote Remote
	Type   models.ResourceType
}

func (h RESTHandler) Add(ctx context.Context, a models.PendingAction) error {
	_, err := h.Remote.Create(ctx, h.Type, a.ID, a.Payload)
	return err
}

func (h RESTHandler) Update(ctx context.Context, a models.PendingAction) error {
	_, err := h.Remote.Update(ctx, h.Type, a.TargetID, a.ID, a.Payload)
	return err
}

func (h RESTHandler) Delete(ctx context.Context, a models.PendingAction) error {
	return h.Remote.Delete(ctx, h.Type, a.TargetID, a.ID)
}

func (h RESTHandler) Custom(ctx context.Context, a models.PendingAction) error {
	_, err := h.Remote.Custom(ctx, h.Type, a.Operation.Name, a.TargetID, a.ID, a.Payload)
	return err
}

func dispatch(ctx context.Context, h ResourceHandler, a models.PendingAction) error {
	switch a.Operation.Kind {
	case models.OpAdd:
		return h.Add(ctx, a)
	case models.OpUpdate:
		return h.Update(ctx, a)
	case models.OpDelete:
		return h.Delete(ctx, a)
	case models.OpCustom:
		return h.Custom(ctx, a)
	}
	return fmt.Errorf("unknown operation kind %q", a.Operation.Kind)
}
