// Package jsoncodec is an example sink.Codec implementation used to
// exercise the Serializer Sink in tests, per spec.md §1's explicit
// exclusion of any particular wire protocol from CORE scope. It is not
// the wire format spec.md §6 describes for the Multiplexed Transport
// (that framing is codec-agnostic) - jsoncodec only encodes what a
// Serializer Sink hands a transport as an opaque payload.
//
// String fields are appended with
// github.com/joeycumines/go-utilpkg/jsonenc's allocation-optimised
// AppendString, the same helper zerolog uses for its own field encoding;
// args/kwargs/return values fall back to encoding/json since their shape
// is arbitrary caller data, not a fixed small set of string fields.
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"github.com/joeycumines/go-utilpkg/jsonenc"

	"github.com/joeycumines/go-rpcmux/message"
	"github.com/joeycumines/go-rpcmux/rpcerr"
)

// Codec implements sink.Codec with a plain JSON envelope:
//
//	{"service":"...","method":"...","args":[...],"kwargs":{...}}
//
// for calls, and:
//
//	{"value":...}  or  {"error":"..."}
//
// for returns.
type Codec struct{}

func (Codec) EncodeCall(call *message.MethodCall) ([]byte, error) {
	dst := make([]byte, 0, 64)
	dst = append(dst, '{')
	dst = append(dst, `"service":`...)
	dst = jsonenc.AppendString(dst, call.Service)
	dst = append(dst, `,"method":`...)
	dst = jsonenc.AppendString(dst, call.Method)

	argsJSON, err := json.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: encode args: %w", err)
	}
	dst = append(dst, `,"args":`...)
	dst = append(dst, argsJSON...)

	if len(call.Kwargs) > 0 {
		kwargsJSON, err := json.Marshal(call.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("jsoncodec: encode kwargs: %w", err)
		}
		dst = append(dst, `,"kwargs":`...)
		dst = append(dst, kwargsJSON...)
	}

	dst = append(dst, '}')
	return dst, nil
}

func (Codec) DecodeReturn(b []byte) (*message.MethodReturn, error) {
	var envelope struct {
		Value json.RawMessage `json:"value"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, fmt.Errorf("jsoncodec: decode return: %w", err)
	}

	if envelope.Error != "" {
		return message.Errorf(rpcerr.New(rpcerr.KindServer, envelope.Error)), nil
	}

	var value any
	if len(envelope.Value) > 0 {
		if err := json.Unmarshal(envelope.Value, &value); err != nil {
			return nil, fmt.Errorf("jsoncodec: decode value: %w", err)
		}
	}
	return message.OK(value), nil
}

var _ interface {
	EncodeCall(*message.MethodCall) ([]byte, error)
	DecodeReturn([]byte) (*message.MethodReturn, error)
} = Codec{}
