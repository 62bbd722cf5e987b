package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentKind enumerates the shapes an envelope's content can take.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentHandshake
	ContentEncrypted
)

func (k ContentKind) String() string {
	switch k {
	case ContentHandshake:
		return "handshake"
	case ContentEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

var ErrMalformedContent = errors.New("malformed envelope content")

type (
	// Content is implemented only by the variants in this file.
	Content interface {
		Kind() ContentKind
	}

	// HandshakeContent is the plaintext request that opens a session. Params is
	// whatever the dapp sent alongside the method (usually app metadata).
	HandshakeContent struct {
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}

	// EncryptedContent is an AES-GCM sealed payload. CipherText includes the tag.
	EncryptedContent struct {
		IV         []byte
		CipherText []byte
	}

	// UnknownContent keeps content that matched no known shape.
	UnknownContent struct {
		Raw json.RawMessage
	}

	Envelope struct {
		ID          string
		RequestID   string
		Sender      string
		SDKVersion  string
		Timestamp   string
		Origin      string
		Event       string
		CallbackURL string
		Content     Content
	}
)

func (*HandshakeContent) Kind() ContentKind { return ContentHandshake }
func (*EncryptedContent) Kind() ContentKind { return ContentEncrypted }
func (*UnknownContent) Kind() ContentKind   { return ContentUnknown }

type (
	encryptedWire struct {
		IV         string `json:"iv"`
		CipherText string `json:"cipherText"`
	}

	contentWire struct {
		Handshake *HandshakeContent `json:"handshake,omitempty"`
		Encrypted *encryptedWire    `json:"encrypted,omitempty"`
	}

	envelopeWire struct {
		ID          string          `json:"id"`
		RequestID   string          `json:"requestId,omitempty"`
		Sender      string          `json:"sender,omitempty"`
		SDKVersion  string          `json:"sdkVersion,omitempty"`
		Timestamp   string          `json:"timestamp,omitempty"`
		Origin      string          `json:"origin,omitempty"`
		Event       string          `json:"event,omitempty"`
		CallbackURL string          `json:"callbackUrl,omitempty"`
		Content     json.RawMessage `json:"content,omitempty"`
	}
)

// MarshalContent renders content in its wire shape: {"handshake": {...}} or
// {"encrypted": {"iv": hex, "cipherText": hex}}.
func MarshalContent(c Content) (json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return nil, nil
	case *HandshakeContent:
		return json.Marshal(contentWire{Handshake: v})
	case *EncryptedContent:
		return json.Marshal(contentWire{Encrypted: &encryptedWire{
			IV:         hex.EncodeToString(v.IV),
			CipherText: hex.EncodeToString(v.CipherText),
		}})
	case *UnknownContent:
		return v.Raw, nil
	default:
		return nil, fmt.Errorf("%w: content type %T", ErrMalformedContent, c)
	}
}

// ParseContent maps wire content onto its variant. Content with neither or
// both of the known keys becomes UnknownContent; a known key with bad fields
// is an error.
func ParseContent(raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		return &UnknownContent{}, nil
	}

	var w contentWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return &UnknownContent{Raw: raw}, nil
	}

	switch {
	case w.Handshake != nil && w.Encrypted == nil:
		if w.Handshake.Method == "" {
			return nil, fmt.Errorf("%w: handshake without method", ErrMalformedContent)
		}
		return w.Handshake, nil
	case w.Encrypted != nil && w.Handshake == nil:
		iv, err := decodeHex(w.Encrypted.IV)
		if err != nil {
			return nil, fmt.Errorf("%w: iv: %v", ErrMalformedContent, err)
		}
		ct, err := decodeHex(w.Encrypted.CipherText)
		if err != nil {
			return nil, fmt.Errorf("%w: cipherText: %v", ErrMalformedContent, err)
		}
		return &EncryptedContent{IV: iv, CipherText: ct}, nil
	default:
		return &UnknownContent{Raw: raw}, nil
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex")
	}
	return hex.DecodeString(s)
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	content, err := MarshalContent(e.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		ID:          e.ID,
		RequestID:   e.RequestID,
		Sender:      e.Sender,
		SDKVersion:  e.SDKVersion,
		Timestamp:   e.Timestamp,
		Origin:      e.Origin,
		Event:       e.Event,
		CallbackURL: e.CallbackURL,
		Content:     content,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var content Content
	if len(w.Content) > 0 && string(w.Content) != "null" {
		c, err := ParseContent(w.Content)
		if err != nil {
			return err
		}
		content = c
	}

	*e = Envelope{
		ID:          w.ID,
		RequestID:   w.RequestID,
		Sender:      w.Sender,
		SDKVersion:  w.SDKVersion,
		Timestamp:   w.Timestamp,
		Origin:      w.Origin,
		Event:       w.Event,
		CallbackURL: w.CallbackURL,
		Content:     content,
	}
	return nil
}

// ContentKind reports the kind of the envelope's content, ContentUnknown when absent.
func (e *Envelope) ContentKind() ContentKind {
	if e == nil || e.Content == nil {
		return ContentUnknown
	}
	return e.Content.Kind()
}
