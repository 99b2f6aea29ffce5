package sink

import (
	"fmt"

	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
)

// Codec converts between a MethodCall/MethodReturn pair and the byte
// stream a transport actually moves (spec.md §4.3's Serializer Sink).
// Implementations live outside this package (codec/jsoncodec is one
// example); CORE itself never depends on a concrete wire format.
type Codec interface {
	EncodeCall(call *message.MethodCall) ([]byte, error)
	DecodeReturn(b []byte) (*message.MethodReturn, error)
}

// SerializerSink rejects anything that isn't a call, encodes calls to
// bytes with the configured Codec, and decodes byte responses back into
// a MethodReturn - the boundary between the Call/Return domain above it
// and the Bytes domain below it.
type SerializerSink struct {
	next  Sink
	codec Codec
}

// NewSerializerSink returns a Provider wrapping next with a Codec boundary.
func NewSerializerSink(codec Codec) Provider {
	return func(next Sink) Sink {
		return &SerializerSink{next: next, codec: codec}
	}
}

func (s *SerializerSink) State() State { return s.next.State() }

func (s *SerializerSink) AsyncProcessRequest(stack *Stack, req *Request) {
	if req.Call == nil {
		stack.Deliver(&Response{Return: message.Errorf(rpcerr.New(rpcerr.KindClient, "serializer: request has no call"))})
		return
	}

	b, err := s.codec.EncodeCall(req.Call)
	if err != nil {
		stack.Deliver(&Response{Return: message.Errorf(rpcerr.Wrap(rpcerr.KindClient, fmt.Errorf("serializer: encode call: %w", err)))})
		return
	}

	stack.Push(s, nil)
	// Call travels alongside Bytes below this point purely as read-only
	// metadata (deadline, tag) for sinks like a transport that need it
	// without re-decoding the wire payload; only Bytes is the payload of
	// record from here down.
	s.next.AsyncProcessRequest(stack, &Request{Call: req.Call, Bytes: b, Headers: req.Headers})
}

func (s *SerializerSink) AsyncProcessResponse(stack *Stack, _ any, resp *Response) {
	if resp.Return != nil {
		// Already decoded upstream (e.g. a synthesized timeout or fault);
		// pass through untouched.
		stack.Deliver(resp)
		return
	}

	ret, err := s.codec.DecodeReturn(resp.Bytes)
	if err != nil {
		stack.Deliver(&Response{Return: message.Errorf(rpcerr.Wrap(rpcerr.KindClient, fmt.Errorf("serializer: decode return: %w", err)))})
		return
	}

	stack.Deliver(&Response{Return: ret})
}
