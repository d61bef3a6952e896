package api

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
)

// Encode serialises payload and prefixes it with tag. A nil payload produces a bare tag.
func Encode(tag Tag, payload any) ([]byte, error) {
	if payload == nil {
		return []byte(tag), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s payload", tag)
	}
	data := make([]byte, 0, len(tag)+len(body))
	data = append(data, tag...)
	return append(data, body...), nil
}

// Split classifies data by its tag prefix and returns the tag and the remaining payload.
// ok is false when no known tag matches.
func Split(data []byte) (tag Tag, payload []byte, ok bool) {
	for _, t := range knownTags {
		if bytes.HasPrefix(data, []byte(t)) {
			return t, data[len(t):], true
		}
	}
	return "", data, false
}

// Decode deserialises a payload produced by Encode into v.
func Decode(tag Tag, payload []byte, v any) error {
	if len(payload) == 0 {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   tag.String(),
			Message: "message has no payload",
		})
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   tag.String(),
			Message: err.Error(),
		})
	}
	return nil
}
