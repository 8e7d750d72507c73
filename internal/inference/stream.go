package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const maxStreamLine = 4 * 1024 * 1024

// callbackError marks an error returned by the caller's chunk handler.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	return sc
}

// readNativeStream parses one JSON object per line. Malformed lines are skipped.
func readNativeStream(r io.Reader, fn func(Chunk) error) error {
	sc := newLineScanner(r)
	model := ""
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// Some proxies wrap native lines in SSE framing.
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		var reply nativeReply
		if err := json.Unmarshal(line, &reply); err != nil {
			continue
		}
		if reply.Error != "" {
			return &Error{Kind: KindProtocol, Err: errors.New(reply.Error)}
		}
		if reply.Model != "" {
			model = reply.Model
		}
		chunk := Chunk{Model: model, Done: reply.Done}
		switch {
		case reply.Message != nil:
			chunk.Content = reply.Message.Content
		case reply.Response != nil:
			chunk.Content = *reply.Response
		}
		if err := fn(chunk); err != nil {
			return &callbackError{err: err}
		}
		if reply.Done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := fn(Chunk{Model: model, Done: true}); err != nil {
		return &callbackError{err: err}
	}
	return nil
}

// readSSEStream parses compatible-dialect server-sent events until [DONE].
func readSSEStream(r io.Reader, model string, fn func(Chunk) error) error {
	sc := newLineScanner(r)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if string(line) == "[DONE]" {
			break
		}
		var reply openAIChatReply
		if err := json.Unmarshal(line, &reply); err != nil || len(reply.Choices) == 0 {
			continue
		}
		if reply.Model != "" {
			model = reply.Model
		}
		choice := reply.Choices[0]
		chunk := Chunk{Model: model}
		switch {
		case choice.Delta != nil:
			chunk.Content = choice.Delta.Content
		case choice.Message != nil:
			chunk.Content = choice.Message.Content
		}
		if chunk.Content == "" {
			continue
		}
		if err := fn(chunk); err != nil {
			return &callbackError{err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := fn(Chunk{Model: model, Done: true}); err != nil {
		return &callbackError{err: err}
	}
	return nil
}

// readStatusStream reports the status field of each line of a pull stream.
func readStatusStream(r io.Reader, fn func(string)) error {
	sc := newLineScanner(r)
	for sc.Scan() {
		var line struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return &Error{Kind: KindProtocol, Err: errors.New(line.Error)}
		}
		if line.Status != "" && fn != nil {
			fn(line.Status)
		}
	}
	return sc.Err()
}
