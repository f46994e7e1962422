package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Duplicate returns an independent snapshot of a live response, as HTTP/1.1 bytes.
// The body is read once: the live response gets a fresh reader over the same bytes,
// so it can still be consumed by the caller after the snapshot is taken.
func Duplicate(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		// set response body back, even if only partially read
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "read response body")
		}
	}
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return responseToBytes(res, body)
}

// responseToBytes converts a response with an already read body to a byte slice.
// It returns the HTTP/1.1 representation of the response.
func responseToBytes(res *http.Response, body []byte) ([]byte, error) {
	snapshot := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        res.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if snapshot.Header == nil {
		snapshot.Header = make(http.Header)
	}
	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, errors.Wrap(err, "write response snapshot")
	}
	return buf.Bytes(), nil
}

// Restore converts a snapshot back to a response to the given request.
// Every call returns a new response with its own body reader.
func Restore(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, errors.Wrap(err, "read response snapshot")
	}
	return res, nil
}
