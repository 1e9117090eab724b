// Package responseutil serializes HTTP responses for cache storage.
// Responses are stored as their raw HTTP/1.1 wire representation so the
// store only ever deals in opaque bytes.
package responseutil

import (
	"bufio"
	"bytes"
	"net/http"
)

// ResponseToBytes converts a response to its HTTP/1.1 representation.
// The response body is consumed and replaced with an equivalent reader,
// so the caller can still send the response after storing it.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	return bts, nil
}

// BytesToResponse converts a stored byte slice back to a http.Response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}
