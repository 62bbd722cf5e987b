package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

var ErrMalformedCarrier = errors.New("malformed carrier")

type (
	// SignerTypeReply answers the plaintext signer-type query.
	SignerTypeReply struct {
		RequestID string `json:"requestId"`
		Data      string `json:"data"`
	}

	// Reply is the outbound unit of one relay exchange. Exactly one field is set.
	Reply struct {
		Envelope   *Envelope
		SignerType *SignerTypeReply
	}
)

// DecodeQuery reads an envelope whose fields are each JSON-encoded into a
// query parameter of the same name.
func DecodeQuery(q url.Values) (*Envelope, error) {
	var env Envelope
	fields := []struct {
		key string
		dst *string
	}{
		{"id", &env.ID},
		{"requestId", &env.RequestID},
		{"sender", &env.Sender},
		{"sdkVersion", &env.SDKVersion},
		{"timestamp", &env.Timestamp},
		{"origin", &env.Origin},
		{"event", &env.Event},
		{"callbackUrl", &env.CallbackURL},
	}
	for _, f := range fields {
		raw := q.Get(f.key)
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), f.dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCarrier, f.key, err)
		}
	}

	if raw := q.Get("content"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: content is not JSON", ErrMalformedCarrier)
		}
		content, err := ParseContent(json.RawMessage(raw))
		if err != nil {
			return nil, err
		}
		env.Content = content
	}
	return &env, nil
}

// EncodeQuery is the inverse of DecodeQuery for a reply.
func (r *Reply) EncodeQuery() (url.Values, error) {
	q := url.Values{}
	set := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		q.Set(key, string(data))
		return nil
	}

	switch {
	case r.SignerType != nil:
		if err := set("requestId", r.SignerType.RequestID); err != nil {
			return nil, err
		}
		if err := set("data", r.SignerType.Data); err != nil {
			return nil, err
		}
	case r.Envelope != nil:
		return r.Envelope.EncodeQuery()
	default:
		return nil, errors.New("empty reply")
	}
	return q, nil
}

func (r *Reply) MarshalJSON() ([]byte, error) {
	switch {
	case r.SignerType != nil:
		return json.Marshal(r.SignerType)
	case r.Envelope != nil:
		return r.Envelope.MarshalJSON()
	default:
		return nil, errors.New("empty reply")
	}
}

// EncodeQuery writes every non-empty field as its own JSON-encoded parameter.
func (e *Envelope) EncodeQuery() (url.Values, error) {
	q := url.Values{}
	for _, f := range []struct{ key, val string }{
		{"id", e.ID},
		{"requestId", e.RequestID},
		{"sender", e.Sender},
		{"sdkVersion", e.SDKVersion},
		{"timestamp", e.Timestamp},
		{"origin", e.Origin},
		{"event", e.Event},
		{"callbackUrl", e.CallbackURL},
	} {
		if f.val == "" {
			continue
		}
		data, err := json.Marshal(f.val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.key, err)
		}
		q.Set(f.key, string(data))
	}

	content, err := MarshalContent(e.Content)
	if err != nil {
		return nil, err
	}
	if content != nil {
		q.Set("content", string(content))
	}
	return q, nil
}
