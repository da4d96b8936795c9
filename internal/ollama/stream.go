// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"
)

// =============================================================================
// STREAM READER
// =============================================================================

// maxLineSize bounds a single NDJSON line. Chat chunks are tiny, but a
// final line can carry a long context array.
const maxLineSize = 4 * 1024 * 1024

// StreamReader handles line-by-line JSON parsing of streaming responses.
type StreamReader struct {
	scanner *bufio.Scanner
	model   string
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamReader{scanner: scanner}
}

// eachLine calls fn for every non-empty line until fn reports done, the
// input ends, or ctx is cancelled.
func (s *StreamReader) eachLine(ctx context.Context, fn func(line []byte) (bool, error)) error {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		done, err := fn(line)
		if err != nil || done {
			return err
		}
	}
	if err := s.scanner.Err(); err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
	}
	return nil
}

// Process reads a chat stream and calls the callback for each chunk.
// Blocks until the final chunk, end of input, or context cancellation.
// An error object embedded in the stream, or input that ends before the
// final chunk, is returned as a ClientError.
func (s *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	var sawDone bool
	err := s.eachLine(ctx, func(line []byte) (bool, error) {
		var resp chatLine
		if err := json.Unmarshal(line, &resp); err != nil {
			return false, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream line", Cause: err}
		}
		if resp.Error != "" {
			return false, &ClientError{Type: ErrTypeInvalidResponse, Message: resp.Error}
		}
		if resp.Model != "" {
			s.model = resp.Model
		}

		chunk := StreamChunk{
			Content:    resp.Message.Content,
			Done:       resp.Done,
			DoneReason: resp.DoneReason,
			Model:      s.model,
		}
		if resp.Done {
			chunk.TotalDuration = time.Duration(resp.TotalDuration)
			chunk.EvalDuration = time.Duration(resp.EvalDuration)
			chunk.PromptTokens = resp.PromptEvalCount
			chunk.CompletionTokens = resp.EvalCount
		}
		callback(chunk)
		sawDone = resp.Done
		return resp.Done, nil
	})
	if err != nil {
		return err
	}
	if !sawDone {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "chat stream ended before the final chunk"}
	}
	return nil
}

// ProcessPull reads a pull stream and calls progress for every status line.
func (s *StreamReader) ProcessPull(ctx context.Context, progress func(PullProgress)) error {
	return s.eachLine(ctx, func(line []byte) (bool, error) {
		var p PullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return false, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed pull status", Cause: err}
		}
		if p.Error != "" {
			return false, &ClientError{Type: ErrTypeInvalidResponse, Message: p.Error}
		}
		progress(p)
		return p.Status == "success", nil
	})
}
