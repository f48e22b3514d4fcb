package inbox

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/novivan/SD-big-HW-3/internal/messaging"
)

// envelope is the part of a payload the deduplicator needs before routing.
type envelope struct {
	MessageID     string
	EventType     string
	TransactionID string
	// present holds every top-level key with a non-null value. Empty
	// strings count as absent.
	present map[string]struct{}
}

func (e envelope) has(key string) bool {
	_, ok := e.present[key]
	return ok
}

// id is the deduplication key: messageId, else transactionId.
func (e envelope) id() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.TransactionID
}

func scanEnvelope(raw []byte) (envelope, error) {
	e := envelope{present: make(map[string]struct{})}

	d := jx.DecodeBytes(raw)
	if d.Next() != jx.Object {
		return e, errors.Wrap(ErrMalformed, "payload is not a JSON object")
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		e.present[key] = struct{}{}

		var (
			target *string
			err    error
		)
		switch key {
		case messaging.FieldMessageID:
			target = &e.MessageID
		case messaging.FieldEventType:
			target = &e.EventType
		case messaging.FieldTransactionID:
			target = &e.TransactionID
		default:
			return d.Skip()
		}
		if d.Next() != jx.String {
			return errors.Errorf("%s must be a string", key)
		}
		*target, err = d.Str()
		if *target == "" {
			delete(e.present, key)
		}
		return err
	})
	if err != nil {
		return e, errors.Wrap(ErrMalformed, err.Error())
	}
	return e, nil
}
