package sink

import (
	"github.com/google/uuid"

	"github.com/joeycumines/go-rpcmux/message"
)

// ClientIDSink stamps a stable client identifier on every outbound call
// via message.ClientID. It never pushes itself - it has nothing to
// observe on the way back (spec.md §4.3: "does not participate in
// responses").
type ClientIDSink struct {
	next     Sink
	clientID string
}

// NewClientIDSink returns a Provider stamping clientID on every call. An
// empty clientID generates a fresh one with uuid.NewString(), giving
// every Dispatcher a stable-for-its-lifetime identifier without the
// caller needing to invent one.
func NewClientIDSink(clientID string) Provider {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return func(next Sink) Sink {
		return &ClientIDSink{next: next, clientID: clientID}
	}
}

func (c *ClientIDSink) State() State { return c.next.State() }

func (c *ClientIDSink) AsyncProcessRequest(stack *Stack, req *Request) {
	if req.Call != nil {
		req = &Request{Call: req.Call.WithProperty(message.ClientID, c.clientID), Headers: req.Headers}
	}
	c.next.AsyncProcessRequest(stack, req)
}

// AsyncProcessResponse is never invoked: ClientIDSink never pushes
// itself onto the Stack.
func (c *ClientIDSink) AsyncProcessResponse(*Stack, any, *Response) {}
