package outbox

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

const messageIDField = "messageId"

// WithMessageID returns payload with a top-level "messageId" set to id.
//
// A payload that already carries a string messageId is returned unchanged.
// A null messageId is replaced. Other fields keep their original encoding.
func WithMessageID(payload []byte, id string) ([]byte, error) {
	type field struct {
		key string
		raw jx.Raw
	}
	var (
		fields  []field
		present bool
	)
	err := jx.DecodeBytes(payload).Obj(func(d *jx.Decoder, key string) error {
		if key == messageIDField {
			switch d.Next() {
			case jx.String:
				present = true
			case jx.Null:
				return d.Skip()
			}
		}
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		fields = append(fields, field{key: key, raw: raw})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan payload")
	}
	if present {
		return payload, nil
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field(messageIDField, func(e *jx.Encoder) { e.Str(id) })
		for _, f := range fields {
			if f.key == messageIDField {
				continue
			}
			e.Field(f.key, func(e *jx.Encoder) { e.Raw(f.raw) })
		}
	})
	return e.Bytes(), nil
}
