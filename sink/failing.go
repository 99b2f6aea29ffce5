package sink

import "github.com/joeycumines/go-rpcmux/message"

// FailingSink is a terminal Sink that immediately completes every
// request with a fixed error, without forwarding downstream: a cap for
// a chain that has no working downstream sink (spec.md §4.3).
type FailingSink struct {
	err error
}

// NewFailingSink returns a Provider producing a FailingSink, ignoring
// whatever successor it would otherwise be given.
func NewFailingSink(err error) Provider {
	return func(Sink) Sink {
		return &FailingSink{err: err}
	}
}

func (f *FailingSink) State() State { return Closed }

func (f *FailingSink) AsyncProcessRequest(stack *Stack, _ *Request) {
	stack.Deliver(&Response{Return: message.Errorf(f.err)})
}

func (f *FailingSink) AsyncProcessResponse(*Stack, any, *Response) {}
