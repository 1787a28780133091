package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/becomeliminal/chatrag/core"
)

// DecodeMessages parses a JSON payload holding either one message or an
// array of messages.
func DecodeMessages(data []byte) ([]core.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", core.ErrInvalidInput)
	}

	if data[0] == '[' {
		var msgs []core.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("%w: decode messages: %v", core.ErrInvalidInput, err)
		}
		return msgs, nil
	}

	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode message: %v", core.ErrInvalidInput, err)
	}
	return []core.Message{msg}, nil
}

// ReadJSONL reads one JSON message per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]core.Message, error) {
	var msgs []core.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg core.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", core.ErrInvalidInput, lineNo, err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}
