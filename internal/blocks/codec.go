package blocks

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// ErrDecode is wrapped by every decode failure.
var ErrDecode = errors.New("blocks: decode failed")

// DecodeError describes why an encoded value could not be decoded.
type DecodeError struct {
	Stage string // "base64", "utf16", "json"
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("blocks: decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// utf16le widens each UTF-16 code unit to two little-endian bytes, the byte
// layout browsers produce when they feed a JS string through a Uint16Array.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Encode serialises v to JSON and returns base64(UTF-16LE(json)).
func Encode(v any) (string, error) {
	payload, err := marshalNoEscape(v)
	if err != nil {
		return "", fmt.Errorf("blocks: encode json: %w", err)
	}
	wide, err := utf16le.NewEncoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("blocks: encode utf16: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wide), nil
}

// EncodeSlate encodes a slate document.
func EncodeSlate(nodes []Node) (string, error) {
	if nodes == nil {
		nodes = []Node{}
	}
	return Encode(nodes)
}

// EncodeImage renders an image block as plain JSON. Image values are not
// passed through the UTF-16 codec.
func EncodeImage(block ImageBlock) (string, error) {
	if block.Images == nil {
		block.Images = []Image{}
	}
	payload, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("blocks: encode image: %w", err)
	}
	return string(payload), nil
}

// DecodeInto reverses Encode into target.
func DecodeInto(s string, target any) error {
	wide, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return &DecodeError{Stage: "base64", Err: err}
	}
	if len(wide)%2 != 0 {
		return &DecodeError{Stage: "utf16", Err: fmt.Errorf("odd byte length %d", len(wide))}
	}
	payload, err := utf16le.NewDecoder().Bytes(wide)
	if err != nil {
		return &DecodeError{Stage: "utf16", Err: err}
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return &DecodeError{Stage: "json", Err: err}
	}
	return nil
}

// DecodeSlate decodes an encoded slate document.
func DecodeSlate(s string) ([]Node, error) {
	var nodes []Node
	if err := DecodeInto(s, &nodes); err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, nil
}

// DecodeImage parses an image block stored as plain JSON. Blocks written
// through the UTF-16 codec by older clients are still accepted.
func DecodeImage(s string) (ImageBlock, error) {
	var block ImageBlock
	if jsonErr := json.Unmarshal([]byte(s), &block); jsonErr == nil {
		return block, nil
	}
	if err := DecodeInto(s, &block); err != nil {
		return ImageBlock{}, err
	}
	return block, nil
}

// EncodeContent builds a stored content item from a decoded value. Sealed values
// are stored as their envelope JSON; text values are stored verbatim.
func EncodeContent(label string, value Value) (Content, error) {
	var (
		ptype   PropertyType
		encoded string
		err     error
	)
	switch v := value.(type) {
	case Slate:
		ptype = PropertySlate
		encoded, err = EncodeSlate(v)
	case ImageValue:
		ptype = PropertyImage
		encoded, err = EncodeImage(ImageBlock(v))
	case TextValue:
		ptype = PropertySlate
		encoded = string(v)
	case Sealed:
		return Content{}, fmt.Errorf("blocks: sealed value for %q needs an explicit property type", label)
	default:
		return Content{}, fmt.Errorf("blocks: unsupported value %T for %q", value, label)
	}
	if err != nil {
		return Content{}, err
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return Content{}, fmt.Errorf("blocks: marshal value: %w", err)
	}
	return Content{Label: label, PropertyType: ptype, Value: raw}, nil
}

// WithStringValue returns a copy of c whose value is the JSON string s.
func (c Content) WithStringValue(s string) Content {
	raw, _ := json.Marshal(s)
	c.Value = raw
	return c
}
