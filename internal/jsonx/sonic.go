// Package jsonx wraps Sonic for the JSON encode/decode hot paths of the
// control loop: NGSI-LD payloads, broker notifications and the simulator
// command channel all go through here.
package jsonx

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage delays decoding of a JSON fragment, used for notification
// entities whose concrete type is only known after inspecting "type".
type RawMessage = json.RawMessage

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses data into the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// Decode reads everything from r and parses it into v. Broker responses and
// notification bodies are small, so buffering the whole body is fine.
func Decode(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// Encode writes the JSON encoding of v to w followed by a newline. The
// simulator command channel is newline-delimited, so the terminator matters.
func Encode(w io.Writer, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}
