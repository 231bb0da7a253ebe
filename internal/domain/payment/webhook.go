package payment

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Webhook event types.
const (
	EventIntentAuthorized    = "payment_intent.authorized"
	EventIntentSucceeded     = "payment_intent.succeeded"
	EventIntentFailed        = "payment_intent.payment_failed"
	EventIntentCancelled     = "payment_intent.cancelled"
	EventIntentRefunded      = "payment_intent.refunded"
	EventIntentRequireAction = "payment_intent.requires_action"
)

// EventTypeFor maps an intent status to the event announcing it.
func EventTypeFor(s Status) string {
	switch s {
	case StatusAuthorized:
		return EventIntentAuthorized
	case StatusCaptured:
		return EventIntentSucceeded
	case StatusFailed:
		return EventIntentFailed
	case StatusCancelled:
		return EventIntentCancelled
	case StatusRefunded, StatusPartiallyRefunded:
		return EventIntentRefunded
	case StatusRequiresAction:
		return EventIntentRequireAction
	default:
		return "payment_intent." + string(s)
	}
}

// Encode writes the event as a JSON object.
func (ev *WebhookEvent) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(ev.ID)
	e.FieldStart("type")
	e.Str(ev.Type)
	e.FieldStart("created")
	e.Int64(ev.CreatedAt.Unix())
	e.FieldStart("data")
	e.ObjStart()
	e.FieldStart("id")
	e.Str(ev.IntentID)
	e.FieldStart("status")
	e.Str(string(ev.Status))
	e.ObjEnd()
	e.ObjEnd()
}

// Decode reads an event in the shape written by Encode. Unknown fields are
// skipped.
func (ev *WebhookEvent) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			ev.ID, err = d.Str()
		case "type":
			ev.Type, err = d.Str()
		case "created":
			var unix int64
			if unix, err = d.Int64(); err == nil {
				ev.CreatedAt = time.Unix(unix, 0).UTC()
			}
		case "data":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "id":
					id, err := d.Str()
					ev.IntentID = id
					return err
				case "status":
					s, err := d.Str()
					ev.Status = Status(s)
					return err
				default:
					return d.Skip()
				}
			})
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
}

// DecodeWebhookEvent parses a raw event payload.
func DecodeWebhookEvent(payload []byte) (*WebhookEvent, error) {
	ev := &WebhookEvent{}
	if err := ev.Decode(jx.DecodeBytes(payload)); err != nil {
		return nil, errors.Wrap(err, "decode webhook event")
	}
	if ev.ID == "" || ev.IntentID == "" {
		return nil, errors.New("webhook event missing id")
	}
	return ev, nil
}

// EncodeWebhookEvent renders ev to bytes.
func EncodeWebhookEvent(ev *WebhookEvent) []byte {
	e := &jx.Encoder{}
	ev.Encode(e)
	return e.Bytes()
}
