// Package codec provides a stand-in for the East value codec.
// East is explicitly out of scope: a nominal, self-describing type system
// with its own binary (beast2) and text forms. No third-party library in
// the retrieved pack implements anything resembling a bespoke
// self-describing value system, so this adapter satisfies the same
// four-operation contract with the standard library's JSON codec, keeping
// the envelope self-describing the way East promises: every decode yields
// both a type name and a value.
package codec

import (
	"encoding/json"
	"strconv"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Codec = (*Codec)(nil)

// Codec implements ports.Codec over a small self-describing JSON envelope.
type Codec struct{}

// New creates a Codec.
func New() *Codec {
	return &Codec{}
}

type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// EncodeValue encodes value under its declared type into the envelope form.
func (c *Codec) EncodeValue(typ string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, domain.WithField(zerr.Wrap(err, domain.ErrCodec.Error()), "type", typ)
	}
	return json.Marshal(envelope{Type: typ, Value: raw})
}

// DecodeValue decodes an envelope produced by EncodeValue, returning both
// the declared type and the decoded value.
func (c *Codec) DecodeValue(data []byte) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, zerr.Wrap(err, domain.ErrCodec.Error())
	}
	var value any
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return "", nil, domain.WithField(zerr.Wrap(err, domain.ErrCodec.Error()), "type", env.Type)
	}
	return env.Type, value, nil
}

// EncodeText renders value in the text form, here just its JSON value body
// without the envelope (East's "east" text form is likewise type-annotated
// source text, not the binary envelope).
func (c *Codec) EncodeText(typ string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", domain.WithField(zerr.Wrap(err, domain.ErrCodec.Error()), "type", typ)
	}
	return string(raw), nil
}

// ParseTextInferring parses text without a declared type, inferring null,
// bool or number first, then object or array for JSON text of that shape,
// and string otherwise.
func (c *Codec) ParseTextInferring(text string) (string, any, error) {
	switch text {
	case "null":
		return "null", nil, nil
	case "true":
		return "bool", true, nil
	case "false":
		return "bool", false, nil
	}
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		return "number", n, nil
	}
	var asJSON any
	if err := json.Unmarshal([]byte(text), &asJSON); err == nil {
		switch asJSON.(type) {
		case map[string]any:
			return "object", asJSON, nil
		case []any:
			return "array", asJSON, nil
		}
	}
	return "string", text, nil
}
