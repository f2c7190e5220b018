// Copyright 2011 The Perkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the client for the content-addressed store: it issues
// the three upload-shaped requests the backup agent needs (file PUT,
// directory mkdir POST, name attach PUT) and maps non-2xx responses to a
// typed error.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// chunkSize is the maximum amount of file content streamed per Write to the
// request body. It bounds the reader goroutine's buffer regardless of file
// size; the http.Transport only pulls the next chunk once it has room,
// which is the backpressure mechanism spec.md §5 describes.
const chunkSize = 1 << 20 // 1 MiB

// DefaultBaseURL is the store endpoint used when none is configured.
const DefaultBaseURL = "http://127.0.0.1:3456/uri"

// StatusError reports a non-2xx response from the store.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("store returned status %d", e.Code) }

// UploadError wraps a transport-level failure talking to the store.
type UploadError struct {
	Op    string
	Cause error
}

func (e *UploadError) Error() string { return fmt.Sprintf("store upload (%s): %v", e.Op, e.Cause) }
func (e *UploadError) Unwrap() error { return e.Cause }

// DecodeError reports a response body that wasn't valid UTF-8 text.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decoding store response: %v", e.Cause) }
func (e *DecodeError) Unwrap() error { return e.Cause }

// Client talks to the store's three-endpoint wire protocol described in
// spec.md §4.1. The streamed file PUT uses a plain *http.Client (a torn
// stream can't be safely retried), while the small, fully-buffered
// directory and attach requests go through a retrying client so a blip in
// the store's availability doesn't fail an otherwise-successful subtree.
type Client struct {
	base       string
	httpClient *http.Client
	retrying   *http.Client
	log        *zap.SugaredLogger
}

// New returns a Client pointed at baseURL (e.g. store.DefaultBaseURL).
func New(baseURL string, log *zap.SugaredLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // the agent's own logger speaks for it; retryablehttp's default is too chatty
	// Hand back the last response once retries are exhausted so a non-2xx
	// status still surfaces as a *StatusError rather than a generic error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		retrying:   rc.StandardClient(),
		log:        log,
	}
}

// UploadFile streams r's bytes to the store in chunkSize pieces and returns
// the capability the store assigns to the resulting blob.
func (c *Client) UploadFile(ctx context.Context, r io.Reader) (string, error) {
	pr, pw := io.Pipe()

	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					// The HTTP side gave up (transport error); nothing more to do.
					return
				}
			}
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				pw.Close()
				return
			case err != nil:
				// Source read failed: close the body with the error so the
				// transport sees a clean abort instead of hanging.
				pw.CloseWithError(err)
				return
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base, pr)
	if err != nil {
		pr.Close()
		return "", &UploadError{Op: "upload_file", Cause: err}
	}
	req.ContentLength = -1 // unknown; streamed as chunked transfer

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Op: "upload_file", Cause: err}
	}
	defer resp.Body.Close()
	cap, err := decodeCapResponse(resp)
	if err == nil {
		c.log.Debugw("uploaded file blob", "cap", cap)
	}
	return cap, err
}

// UploadDir POSTs body, an already-serialized JSON manifest, to the store's
// mkdir-immutable endpoint.
func (c *Client) UploadDir(ctx context.Context, body []byte) (string, error) {
	u := c.base + "?t=mkdir-immutable"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", &UploadError{Op: "upload_dir", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.retrying.Do(req)
	if err != nil {
		return "", &UploadError{Op: "upload_dir", Cause: err}
	}
	defer resp.Body.Close()
	return decodeCapResponse(resp)
}

// Attach names cap under name within the mutable directory dirCap. name is
// placed into the path literally, unescaped — the caller is responsible for
// using names the store accepts, including multi-segment names like
// "Archives/2024-01-01T00:00:00Z" which are meant to address nested path
// components rather than a single opaque segment.
func (c *Client) Attach(ctx context.Context, dirCap, name, cap string) error {
	u := fmt.Sprintf("%s/%s/%s?t=uri", c.base, dirCap, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, strings.NewReader(cap))
	if err != nil {
		return &UploadError{Op: "attach", Cause: err}
	}

	resp, err := c.retrying.Do(req)
	if err != nil {
		return &UploadError{Op: "attach", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func decodeCapResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UploadError{Op: "read-response", Cause: err}
	}
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{Code: resp.StatusCode}
	}
	if !utf8.Valid(body) {
		return "", &DecodeError{Cause: fmt.Errorf("response body is not valid UTF-8")}
	}
	return strings.TrimSpace(string(body)), nil
}
