// Package transcript parses agent transcript JSONL files into canonical
// timeline items. Tool records pass through the tool-call normalizer.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"agent-sync/internal/metrics"
	"agent-sync/internal/timeline"
	"agent-sync/internal/toolcall"
)

const maxLineSize = 10 * 1024 * 1024

var errLineTooLong = errors.New("transcript line too long")

// Parser turns transcript lines into timeline items. It remembers tool
// inputs by call id so a later result can be normalized with both
// halves of the record. A Parser follows one file.
type Parser struct {
	mu       sync.Mutex
	provider toolcall.Provider
	calls    map[string]toolcall.Record
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewParser returns a parser for transcripts written by provider.
func NewParser(provider toolcall.Provider, logger *zap.Logger, m *metrics.Metrics) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		provider: provider,
		calls:    make(map[string]toolcall.Record),
		logger:   logger,
		metrics:  m,
	}
}

// Provider returns the backend the parser was created for.
func (p *Parser) Provider() toolcall.Provider { return p.provider }

// ParseLine parses one JSONL line. Lines of unknown shape yield no
// items; only undecodable JSON is an error.
func (p *Parser) ParseLine(line []byte) ([]timeline.Item, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.provider {
	case toolcall.ProviderCodex:
		return p.parseCodex(line)
	default:
		return p.parseClaude(line)
	}
}

// ReadFrom parses the complete lines of path starting at offset. A
// trailing line without a newline is left for the next call. It returns
// the offset just past the last complete line.
func (p *Parser) ReadFrom(path string, offset int64) ([]timeline.Item, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("seek to %d: %w", offset, err)
		}
	}
	return p.Read(f, offset)
}

// Read parses complete lines from r, which is positioned at offset.
func (p *Parser) Read(r io.Reader, offset int64) ([]timeline.Item, int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var items []timeline.Item
	for {
		line, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			full, n, ferr := readLongLine(reader, line)
			if ferr == io.EOF {
				return items, offset, nil
			}
			if ferr == errLineTooLong {
				offset += n
				p.logger.Warn("skipping oversized transcript line",
					zap.Int64("offset", offset),
					zap.Int64("bytes", n),
					zap.Int("max_bytes", maxLineSize),
				)
				continue
			}
			if ferr != nil {
				return items, offset, ferr
			}
			line, err = full, nil
		}
		if err == io.EOF {
			return items, offset, nil
		}
		if err != nil {
			return items, offset, fmt.Errorf("read transcript: %w", err)
		}

		offset += int64(len(line))
		parsed, perr := p.ParseLine(line)
		if perr != nil {
			p.logger.Debug("skipping undecodable transcript line", zap.Int64("offset", offset), zap.Error(perr))
			continue
		}
		items = append(items, parsed...)
	}
}

// readLongLine finishes a line longer than the reader's buffer. A line
// with no newline yet comes back as io.EOF so it is retried later. A
// complete line over maxLineSize is drained and reported as
// errLineTooLong with its length.
func readLongLine(reader *bufio.Reader, head []byte) ([]byte, int64, error) {
	buf := append([]byte(nil), head...)
	n := int64(len(head))
	for {
		chunk, err := reader.ReadSlice('\n')
		n += int64(len(chunk))
		if buf != nil {
			buf = append(buf, chunk...)
			if len(buf) > maxLineSize {
				buf = nil
			}
		}
		switch err {
		case nil:
			if buf == nil {
				return nil, n, errLineTooLong
			}
			return buf, n, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			return nil, n, io.EOF
		default:
			return nil, n, fmt.Errorf("read transcript: %w", err)
		}
	}
}

// toolStart records a tool invocation and returns its running item.
func (p *Parser) toolStart(rec toolcall.Record) timeline.Item {
	res := toolcall.Normalize(p.provider, rec)
	rec.CallID = res.CallID
	p.calls[res.CallID] = rec
	p.metrics.RecordToolCall(string(p.provider), string(res.Detail.Kind()))
	return timeline.ToolCall(res.CallID, rec.Name, timeline.StatusRunning, res.Detail, "")
}

// toolResult completes a previously started call. A result for an
// unseen call id is normalized on its own.
func (p *Parser) toolResult(callID string, output any, metadata map[string]any, failed bool, errMsg string) timeline.Item {
	rec, ok := p.calls[callID]
	if !ok {
		rec = toolcall.Record{CallID: callID}
	}
	delete(p.calls, callID)
	rec.Output = output
	rec.Metadata = metadata

	res := toolcall.Normalize(p.provider, rec)
	status := timeline.StatusCompleted
	if failed {
		status = timeline.StatusFailed
	}
	return timeline.ToolCall(res.CallID, rec.Name, status, res.Detail, errMsg)
}

// compaction builds a housekeeping item for a context compaction.
func compaction(source, summary string) timeline.Item {
	raw, _ := json.Marshal(map[string]string{
		"type":    string(timeline.ItemCompaction),
		"source":  source,
		"summary": summary,
	})
	it, _ := timeline.Housekeeping(raw)
	return it
}

// decodeJSONString decodes s when it holds JSON and returns s itself
// otherwise.
func decodeJSONString(s string) any {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return s
	}
	return v
}
