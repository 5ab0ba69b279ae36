// Package wire defines the messages exchanged with the remote speech
// platform and the [Protocol] seam that converts between engine requests and
// encoded messages.
//
// The default schema is a flat JSON [Frame]. Every frame carries the request
// id, so replies for many concurrent requests can share one connection.
// Clients send start, audio, text, end and cancel frames; the platform
// answers with partial, final, end and error frames. A frame with Final set
// is the last one the platform sends for its id.
package wire

import (
	"fmt"

	"github.com/MrWong99/speechmux/pkg/codec"
)

// Kind names the purpose of a frame.
type Kind string

const (
	KindStart  Kind = "start"
	KindAudio  Kind = "audio"
	KindText   Kind = "text"
	KindEnd    Kind = "end"
	KindCancel Kind = "cancel"

	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindError   Kind = "error"
)

// Code is a per-request result code. Zero means success; codes below 1000
// are reserved for the remote platform.
type Code = int32

const (
	CodeOK Code = 0

	// CodeRemote is reported for error frames that carry no code.
	CodeRemote Code = 1000

	// CodeUnavailable reports that the connection carrying the request
	// failed or none could be established.
	CodeUnavailable Code = 1001

	// CodeTimeout reports that a send or a response deadline expired.
	CodeTimeout Code = 1002

	// CodeEncode reports that a request could not be encoded.
	CodeEncode Code = 1003

	// CodeDecode reports that a reply could not be decoded.
	CodeDecode Code = 1004
)

// CodeText returns a short description of the locally assigned codes.
func CodeText(c Code) string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeRemote:
		return "remote error"
	case CodeUnavailable:
		return "service unavailable"
	case CodeTimeout:
		return "timeout"
	case CodeEncode:
		return "encode failed"
	case CodeDecode:
		return "decode failed"
	default:
		return fmt.Sprintf("code %d", c)
	}
}

// Frame is one message of the default schema.
type Frame struct {
	ID      int32             `json:"id"`
	Kind    Kind              `json:"kind"`
	Service string            `json:"service,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Data    []byte            `json:"data,omitempty"`
	Text    string            `json:"text,omitempty"`
	Final   bool              `json:"final,omitempty"`
	Code    int32             `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Chunk is one unit of request or response payload.
type Chunk struct {
	Text  string
	Audio []byte
}

// Empty reports whether c carries no payload.
func (c Chunk) Empty() bool { return c.Text == "" && len(c.Audio) == 0 }

// Reply is one decoded message from the platform.
type Reply[Resp any] struct {
	ID int32

	// Resp is valid when HasResp is set.
	Resp    Resp
	HasResp bool

	// Partial marks an intermediate result that a later one supersedes.
	Partial bool

	// Last marks the final reply for ID.
	Last bool

	// Code is non-zero for error replies, which are always Last.
	Code    int32
	Message string
}

// Protocol builds request messages and parses replies.
type Protocol[Req, Resp any] interface {
	Begin(id int32, params map[string]string) ([]byte, error)
	Request(id int32, req Req) ([]byte, error)
	End(id int32) ([]byte, error)
	Cancel(id int32) ([]byte, error)
	Reply(msg []byte) (Reply[Resp], error)
}

// FrameProtocol implements [Protocol] with the default [Frame] schema.
type FrameProtocol struct {
	service string
	codec   codec.Codec[Frame]
}

var _ Protocol[Chunk, Chunk] = (*FrameProtocol)(nil)

// NewFrameProtocol returns a protocol addressing service. A nil codec
// selects JSON.
func NewFrameProtocol(service string, c codec.Codec[Frame]) *FrameProtocol {
	if c == nil {
		c = codec.JSON[Frame]{}
	}
	return &FrameProtocol{service: service, codec: c}
}

// Service returns the addressed service name.
func (p *FrameProtocol) Service() string { return p.service }

func (p *FrameProtocol) encode(f Frame) ([]byte, error) {
	b, err := p.codec.Encode(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s frame %d: %w", f.Kind, f.ID, err)
	}
	return b, nil
}

// Begin encodes the start frame of request id.
func (p *FrameProtocol) Begin(id int32, params map[string]string) ([]byte, error) {
	return p.encode(Frame{ID: id, Kind: KindStart, Service: p.service, Params: params})
}

// Request encodes one payload chunk. Audio takes precedence over text.
func (p *FrameProtocol) Request(id int32, req Chunk) ([]byte, error) {
	if len(req.Audio) > 0 {
		return p.encode(Frame{ID: id, Kind: KindAudio, Data: req.Audio})
	}
	return p.encode(Frame{ID: id, Kind: KindText, Text: req.Text})
}

// End encodes the end-of-input frame of request id.
func (p *FrameProtocol) End(id int32) ([]byte, error) {
	return p.encode(Frame{ID: id, Kind: KindEnd})
}

// Cancel encodes the frame that aborts request id on the platform.
func (p *FrameProtocol) Cancel(id int32) ([]byte, error) {
	return p.encode(Frame{ID: id, Kind: KindCancel})
}

// Reply decodes one message from the platform.
func (p *FrameProtocol) Reply(msg []byte) (Reply[Chunk], error) {
	f, err := p.codec.Decode(msg)
	if err != nil {
		return Reply[Chunk]{}, fmt.Errorf("wire: decode reply: %w", err)
	}

	r := Reply[Chunk]{ID: f.ID, Last: f.Final}
	switch f.Kind {
	case KindPartial, KindFinal:
		r.Resp = Chunk{Text: f.Text, Audio: f.Data}
		r.HasResp = !r.Resp.Empty()
		r.Partial = f.Kind == KindPartial
	case KindEnd:
		r.Last = true
	case KindError:
		r.Last = true
		r.Code = f.Code
		if r.Code == CodeOK {
			r.Code = CodeRemote
		}
		r.Message = f.Message
	default:
		return Reply[Chunk]{}, fmt.Errorf("wire: decode reply %d: unexpected frame kind %q", f.ID, f.Kind)
	}
	return r, nil
}
