// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package serializer

import (
	"fmt"

	"github.com/GwynCerbin/rabbit_messenger/pkg/envelope"
	"github.com/gabriel-vasile/mimetype"
)

const mimeReadLimit = 512 //bytes that mime will read

func init() {
	mimetype.SetLimit(mimeReadLimit)
}

// Bytes passes raw payloads through untouched. Outgoing messages must be
// envelope.RawMessage or []byte; the content type is sniffed from the body
// unless the headers of an incoming message already carry one.
type Bytes struct{}

// NewBytes returns a pass-through serializer.
func NewBytes() Bytes {
	return Bytes{}
}

// Encode implements Serializer.
func (Bytes) Encode(e *envelope.Envelope) (Encoded, error) {
	var body []byte

	switch m := e.Message().(type) {
	case envelope.RawMessage:
		body = m
	case []byte:
		body = m
	default:
		return Encoded{}, fmt.Errorf("bytes serializer cannot encode %T", e.Message())
	}

	return Encoded{
		Body: body,
		Headers: map[string]string{
			HeaderContentType: mimetype.Detect(body).String(),
		},
	}, nil
}

// Decode implements Serializer. It never fails: any body is a valid RawMessage.
func (Bytes) Decode(enc Encoded) (*envelope.Envelope, error) {
	return envelope.New(envelope.RawMessage(enc.Body), ContentTypeStamp{
		ContentType: enc.Headers[HeaderContentType],
		Headers:     cloneHeaders(enc.Headers),
	}), nil
}

// ContentTypeStamp keeps the headers a raw message arrived with.
type ContentTypeStamp struct {
	ContentType string
	Headers     map[string]string
}

// StampName implements envelope.Stamp.
func (ContentTypeStamp) StampName() string {
	return "content_type"
}
