// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader decodes a newline-delimited JSON generate stream one chunk at
// a time. It is not safe for concurrent use.
type StreamReader struct {
	reader *bufio.Reader
	body   io.Closer

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	accumulator strings.Builder
	chunks      int
	model       string
	done        bool
}

// NewStreamReader creates a stream reader over r. If r is an io.Closer it is
// closed by Close.
func NewStreamReader(r io.Reader) *StreamReader {
	s := &StreamReader{reader: bufio.NewReader(r)}
	if c, ok := r.(io.Closer); ok {
		s.body = c
	}
	return s
}

// Next returns the next chunk. It returns io.EOF once the done chunk has been
// returned or the transport closes. A line that is not valid JSON fails with
// an ErrTypeDecode ClientError; an error object sent by the server fails with
// ErrTypeInvalidResponse.
func (s *StreamReader) Next() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)

		// Skip empty lines
		if len(line) == 0 {
			continue
		}

		return s.decode(line)
	}
}

// readLine returns the next line without its terminator. A final line with no
// trailing newline is still returned; io.EOF follows it.
func (s *StreamReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		part, err := s.reader.ReadSlice('\n')
		buf = append(buf, part...)
		if len(buf) > maxLineSize {
			return nil, &ClientError{Type: ErrTypeDecode, Message: fmt.Sprintf("stream line exceeds %d bytes", maxLineSize)}
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		default:
			return nil, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
		}
	}
}

func (s *StreamReader) decode(line []byte) (*StreamChunk, error) {
	var response GenerateResponse
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, &ClientError{Type: ErrTypeDecode, Message: "malformed stream chunk", Cause: err}
	}
	if response.Error != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: response.Error}
	}

	if response.Model != "" {
		s.model = response.Model
	}
	if response.Response != "" {
		s.accumulator.WriteString(response.Response)
	}
	s.chunks++

	chunk := &StreamChunk{
		Content:    response.Response,
		Done:       response.Done,
		DoneReason: response.DoneReason,
		Model:      s.model,
	}

	// On completion, extract statistics
	if response.Done {
		s.done = true
		chunk.TotalDuration = time.Duration(response.TotalDuration)
		chunk.EvalDuration = time.Duration(response.EvalDuration)
		chunk.PromptTokens = response.PromptEvalCount
		chunk.CompletionTokens = response.EvalCount
	}

	return chunk, nil
}

// Close releases the underlying response body.
func (s *StreamReader) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// Accumulated returns all content received so far.
func (s *StreamReader) Accumulated() string {
	return s.accumulator.String()
}

// ChunkCount returns the number of chunks decoded.
func (s *StreamReader) ChunkCount() int {
	return s.chunks
}

// Model returns the model name reported by the stream.
func (s *StreamReader) Model() string {
	return s.model
}
