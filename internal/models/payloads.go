// Package models provides data model definitions for the sitesync queue.
package models

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

// ActionType identifies the kind of mutation a record replays.
type ActionType string

const (
	ActionCreateDailyLog   ActionType = "create_daily_log"
	ActionUpdateDailyLog   ActionType = "update_daily_log"
	ActionCreateAnnotation ActionType = "create_annotation"
	ActionUpdateAnnotation ActionType = "update_annotation"
	ActionDeleteAnnotation ActionType = "delete_annotation"
	ActionAttachPhoto      ActionType = "attach_photo"
)

// AllActionTypes lists every supported action type.
var AllActionTypes = []ActionType{
	ActionCreateDailyLog,
	ActionUpdateDailyLog,
	ActionCreateAnnotation,
	ActionUpdateAnnotation,
	ActionDeleteAnnotation,
	ActionAttachPhoto,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// IsCreate reports whether t creates a new server resource.
func (t ActionType) IsCreate() bool {
	return t == ActionCreateDailyLog || t == ActionCreateAnnotation
}

// RequiresResource reports whether records of type t must target an
// existing resource id.
func (t ActionType) RequiresResource() bool {
	switch t {
	case ActionUpdateDailyLog, ActionUpdateAnnotation, ActionDeleteAnnotation, ActionAttachPhoto:
		return true
	}
	return false
}

// =====================================================
// Payload union
// =====================================================

// VersionedPayload is embedded in every payload variant.
type VersionedPayload struct {
	// BaseVersion is the server version the edit was made against (0 for creates).
	BaseVersion int64 `json:"base_version"`
	CreatedAtMs int64 `json:"created_at_ms"`
	// LocalID is the placeholder id of a resource created offline.
	LocalID string `json:"local_id,omitempty"`
}

// Meta returns the shared versioning fields.
func (v *VersionedPayload) Meta() *VersionedPayload { return v }

// Payload is one variant of the action payload union.
type Payload interface {
	ActionType() ActionType
	Meta() *VersionedPayload
}

// CreateDailyLog creates a daily log for a project date.
type CreateDailyLog struct {
	VersionedPayload
	ProjectID string `json:"project_id"`
	Date      string `json:"date"`
	Weather   string `json:"weather,omitempty"`
	CrewCount int    `json:"crew_count,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// UpdateDailyLog edits an existing daily log.
type UpdateDailyLog struct {
	VersionedPayload
	ProjectID string `json:"project_id"`
	Date      string `json:"date"`
	Weather   string `json:"weather,omitempty"`
	CrewCount int    `json:"crew_count,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// CreateAnnotation places a markup on a drawing.
type CreateAnnotation struct {
	VersionedPayload
	DrawingID string  `json:"drawing_id"`
	Kind      string  `json:"kind"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Text      string  `json:"text,omitempty"`
}

// UpdateAnnotation edits an existing markup.
type UpdateAnnotation struct {
	VersionedPayload
	DrawingID string  `json:"drawing_id"`
	Kind      string  `json:"kind"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Text      string  `json:"text,omitempty"`
}

// DeleteAnnotation removes a markup.
type DeleteAnnotation struct {
	VersionedPayload
	DrawingID string `json:"drawing_id,omitempty"`
}

// AttachPhoto links an uploaded photo to a daily log. Only the status field
// travels through the queue; the binary upload happens elsewhere.
type AttachPhoto struct {
	VersionedPayload
	UploadID     string `json:"upload_id"`
	Caption      string `json:"caption,omitempty"`
	UploadStatus string `json:"upload_status"`
}

func (*CreateDailyLog) ActionType() ActionType   { return ActionCreateDailyLog }
func (*UpdateDailyLog) ActionType() ActionType   { return ActionUpdateDailyLog }
func (*CreateAnnotation) ActionType() ActionType { return ActionCreateAnnotation }
func (*UpdateAnnotation) ActionType() ActionType { return ActionUpdateAnnotation }
func (*DeleteAnnotation) ActionType() ActionType { return ActionDeleteAnnotation }
func (*AttachPhoto) ActionType() ActionType      { return ActionAttachPhoto }

var payloadFactories = map[ActionType]func() Payload{
	ActionCreateDailyLog:   func() Payload { return &CreateDailyLog{} },
	ActionUpdateDailyLog:   func() Payload { return &UpdateDailyLog{} },
	ActionCreateAnnotation: func() Payload { return &CreateAnnotation{} },
	ActionUpdateAnnotation: func() Payload { return &UpdateAnnotation{} },
	ActionDeleteAnnotation: func() Payload { return &DeleteAnnotation{} },
	ActionAttachPhoto:      func() Payload { return &AttachPhoto{} },
}

// envelope is the stored form: {"type": ..., "data": {...}}.
type envelope struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p into its tagged envelope.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Serialization("encode payload", err)
	}
	raw, err := json.Marshal(envelope{Type: p.ActionType(), Data: data})
	if err != nil {
		return nil, apperrors.Serialization("encode envelope", err)
	}
	return raw, nil
}

// DecodePayload parses a tagged envelope into its concrete variant.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Serialization("decode envelope", err)
	}
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return nil, apperrors.Serialization("decode envelope", fmt.Errorf("unknown payload type %q", env.Type))
	}
	p := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, apperrors.Serialization(fmt.Sprintf("decode %s payload", env.Type), err)
		}
	}
	return p, nil
}

// AsCreate converts an edit into a create of a new resource carrying the
// same content. Creates are copied with a fresh LocalID. Deletes and photo
// attachments have no create form.
func AsCreate(p Payload) (Payload, error) {
	meta := VersionedPayload{CreatedAtMs: p.Meta().CreatedAtMs, LocalID: uuid.NewLocal()}
	switch v := p.(type) {
	case *CreateDailyLog:
		c := *v
		c.VersionedPayload = meta
		return &c, nil
	case *UpdateDailyLog:
		return &CreateDailyLog{
			VersionedPayload: meta,
			ProjectID:        v.ProjectID,
			Date:             v.Date,
			Weather:          v.Weather,
			CrewCount:        v.CrewCount,
			Notes:            v.Notes,
		}, nil
	case *CreateAnnotation:
		c := *v
		c.VersionedPayload = meta
		return &c, nil
	case *UpdateAnnotation:
		return &CreateAnnotation{
			VersionedPayload: meta,
			DrawingID:        v.DrawingID,
			Kind:             v.Kind,
			X:                v.X,
			Y:                v.Y,
			Text:             v.Text,
		}, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s has no create form", p.ActionType()))
}
