package blocks

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"zuzalu/api/internal/obs"
)

// Decoder turns stored content items into Decoded values. It never fails:
// undecodable values are logged and surface as TextValue or nil.
type Decoder struct {
	log *zap.Logger
}

// NewDecoder returns a decoder that logs through log (nil disables logging).
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{log: log}
}

// Decode decodes one stored item according to its property type.
func (d *Decoder) Decode(item Content) Decoded {
	out := Decoded{Label: item.Label, PropertyType: item.PropertyType}
	trimmed := strings.TrimSpace(string(item.Value))
	if trimmed == "" || trimmed == "null" {
		return out
	}
	if s, ok := item.StringValue(); ok {
		return d.DecodeString(item.Label, item.PropertyType, s)
	}
	out.Value = d.decodeStructured(item)
	return out
}

// DecodeString decodes an encoded string value, for example a decrypted plaintext.
func (d *Decoder) DecodeString(label string, ptype PropertyType, s string) Decoded {
	out := Decoded{Label: label, PropertyType: ptype}
	if s == "" {
		return out
	}

	switch ptype {
	case PropertyImage:
		block, err := DecodeImage(s)
		if err == nil {
			out.Value = ImageValue(block)
			return out
		}
		d.fail(label, ptype, err)
		return out
	default:
		nodes, err := DecodeSlate(s)
		if err == nil {
			out.Value = Slate(nodes)
			return out
		}
		d.fail(label, ptype, err)
		out.Value = TextValue(s)
		return out
	}
}

// decodeStructured handles values that were stored already decoded.
func (d *Decoder) decodeStructured(item Content) Value {
	switch item.PropertyType {
	case PropertyImage:
		var block ImageBlock
		if err := json.Unmarshal(item.Value, &block); err != nil {
			d.fail(item.Label, item.PropertyType, err)
			return nil
		}
		return ImageValue(block)
	default:
		var nodes []Node
		if err := json.Unmarshal(item.Value, &nodes); err != nil {
			d.fail(item.Label, item.PropertyType, err)
			return nil
		}
		if nodes == nil {
			nodes = []Node{}
		}
		return Slate(nodes)
	}
}

func (d *Decoder) fail(label string, ptype PropertyType, err error) {
	obs.BlockDecodeFailures.WithLabelValues(string(ptype)).Inc()
	d.log.Warn("block_decode_failed",
		zap.String("label", label),
		zap.String("property_type", string(ptype)),
		zap.Error(err),
	)
}
