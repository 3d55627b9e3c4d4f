package blocks

import (
	"encoding/json"
	"strings"
)

// PropertyType tags the encoding of a content item's value.
type PropertyType string

const (
	PropertySlate PropertyType = "slate-block"
	PropertyImage PropertyType = "image-block"
)

// LabelBeamTitle marks the block whose first text is the beam title.
const LabelBeamTitle = "beam-title"

// Valid reports whether p is a known property type.
func (p PropertyType) Valid() bool {
	return p == PropertySlate || p == PropertyImage
}

// Content is one stored content item. Value holds either a JSON string (the
// encoded form, or a ciphertext envelope) or an already-decoded JSON value.
type Content struct {
	Label        string          `json:"label"`
	PropertyType PropertyType    `json:"propertyType"`
	Value        json.RawMessage `json:"value"`
}

// StringValue returns the item's value when it is a JSON string.
func (c Content) StringValue() (string, bool) {
	trimmed := strings.TrimSpace(string(c.Value))
	if !strings.HasPrefix(trimmed, `"`) {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return "", false
	}
	return s, true
}

// Image is one picture inside an image block.
type Image struct {
	Src  string    `json:"src"`
	Name string    `json:"name,omitempty"`
	Size ImageSize `json:"size"`
}

// ImageSize is the intrinsic size of an image in pixels.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageBlock is the decoded value of an image-block item.
type ImageBlock struct {
	Images  []Image `json:"images"`
	Caption string  `json:"caption,omitempty"`
	Align   string  `json:"align,omitempty"`
}

// Envelope is the ciphertext form of an encrypted content value.
type Envelope struct {
	Ciphertext        string `json:"ciphertext"`
	DataToEncryptHash string `json:"dataToEncryptHash"`
}

// ParseEnvelope parses s as a ciphertext envelope. Both fields must be present.
func ParseEnvelope(s string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Envelope{}, false
	}
	if env.Ciphertext == "" || env.DataToEncryptHash == "" {
		return Envelope{}, false
	}
	return env, true
}

// String renders the envelope as the JSON stored in place of the plaintext value.
func (e Envelope) String() string {
	data, _ := marshalNoEscape(e)
	return string(data)
}

// Value is the decoded value of a content item. The variants are Slate, Image,
// Text and Sealed; callers switch on the concrete type.
type Value interface {
	isValue()
}

// Slate is a decoded rich-text tree.
type Slate []Node

// ImageValue is a decoded image block.
type ImageValue ImageBlock

// TextValue is a historical raw-string value that never went through the codec.
type TextValue string

// Sealed is a ciphertext envelope that could not be decrypted.
type Sealed Envelope

func (Slate) isValue()      {}
func (ImageValue) isValue() {}
func (TextValue) isValue()  {}
func (Sealed) isValue()     {}

// Decoded is a content item with its value decoded. Value is nil when the item
// carried no value at all.
type Decoded struct {
	Label        string
	PropertyType PropertyType
	Value        Value
}

// MarshalJSON emits the value the way clients expect it: the slate tree, the
// image block, the raw string, or the envelope object, tagged by "kind".
func (d Decoded) MarshalJSON() ([]byte, error) {
	out := struct {
		Label        string       `json:"label"`
		PropertyType PropertyType `json:"propertyType"`
		Kind         string       `json:"kind"`
		Value        any          `json:"value"`
	}{Label: d.Label, PropertyType: d.PropertyType}

	switch v := d.Value.(type) {
	case nil:
		out.Kind = "empty"
	case Slate:
		out.Kind = "slate"
		out.Value = []Node(v)
	case ImageValue:
		out.Kind = "image"
		out.Value = ImageBlock(v)
	case TextValue:
		out.Kind = "text"
		out.Value = string(v)
	case Sealed:
		out.Kind = "sealed"
		out.Value = Envelope(v)
	}
	return marshalNoEscape(out)
}

// IsSealed reports whether the item is still encrypted.
func (d Decoded) IsSealed() bool {
	_, ok := d.Value.(Sealed)
	return ok
}
