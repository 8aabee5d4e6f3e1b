package chat

import (
	"encoding/json"
	"fmt"
)

// PartKind discriminates the Part variant.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
)

// Part is one element of a message's content. It is a tagged variant
// over text, image and audio. Binary payloads are stored out of band and
// referenced by URI; only text is carried inline.
type Part struct {
	Kind PartKind `json:"kind"`

	// MIMEType hints at the payload encoding, e.g. "text/plain",
	// "image/png", "audio/ogg".
	MIMEType string `json:"mime_type,omitempty"`

	// Text is the inline payload for text parts.
	Text string `json:"text,omitempty"`

	// URI references externally stored binary payload for image and
	// audio parts.
	URI string `json:"uri,omitempty"`
}

// TextPart builds an inline text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, MIMEType: "text/plain", Text: text}
}

// ImagePart builds an image part referencing external storage.
func ImagePart(mimeType, uri string) Part {
	return Part{Kind: PartImage, MIMEType: mimeType, URI: uri}
}

// AudioPart builds an audio part referencing external storage.
func AudioPart(mimeType, uri string) Part {
	return Part{Kind: PartAudio, MIMEType: mimeType, URI: uri}
}

// Validate checks variant consistency.
func (p Part) Validate() error {
	switch p.Kind {
	case PartText:
		if p.URI != "" {
			return fmt.Errorf("text part must not carry a URI")
		}
	case PartImage, PartAudio:
		if p.URI == "" {
			return fmt.Errorf("%s part requires a URI", p.Kind)
		}
		if p.Text != "" {
			return fmt.Errorf("%s part must not carry inline text", p.Kind)
		}
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
	return nil
}

// MarshalParts serializes a part slice for JSONB storage.
func MarshalParts(parts []Part) ([]byte, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("marshal content parts: %w", err)
	}
	return data, nil
}

// UnmarshalParts deserializes a part slice from JSONB storage.
func UnmarshalParts(data []byte) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("unmarshal content parts: %w", err)
	}
	return parts, nil
}
