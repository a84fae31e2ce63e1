package container

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

var (
	// ErrOutputParse means the agent produced no usable structured output.
	ErrOutputParse = errors.New("container: unparseable agent output")
	// ErrTimeout means the invocation exceeded its hard timeout.
	ErrTimeout = errors.New("container: invocation timed out")
)

// Output kinds reported by the agent.
const (
	OutputMessage = "message"
	OutputLog     = "log"
)

// Input is written to the agent's stdin as JSON.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// Result is the agent's answer for one invocation.
type Result struct {
	OutputType  string `json:"outputType"`
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// Output is the structured payload an agent prints between the markers.
type Output struct {
	Status       string  `json:"status"` // success, error
	Result       *Result `json:"result,omitempty"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ParseOutput extracts the last marker-delimited JSON payload from stdout.
// Without markers the last non-empty line is tried instead.
func ParseOutput(stdout []byte) (*Output, error) {
	payload, ok := lastMarked(stdout)
	if !ok {
		payload = lastLine(stdout)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrOutputParse)
	}
	var out Output
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputParse, err)
	}
	switch out.Status {
	case "success", "error":
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrOutputParse, out.Status)
	}
	if out.Result != nil {
		switch out.Result.OutputType {
		case OutputMessage, OutputLog:
		case "":
			out.Result.OutputType = OutputLog
		default:
			return nil, fmt.Errorf("%w: unknown output type %q", ErrOutputParse, out.Result.OutputType)
		}
	}
	return &out, nil
}

func lastMarked(b []byte) ([]byte, bool) {
	end := bytes.LastIndex(b, []byte(OutputEndMarker))
	if end < 0 {
		return nil, false
	}
	start := bytes.LastIndex(b[:end], []byte(OutputStartMarker))
	if start < 0 {
		return nil, false
	}
	return bytes.TrimSpace(b[start+len(OutputStartMarker) : end]), true
}

func lastLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if l := bytes.TrimSpace(lines[i]); len(l) > 0 {
			return l
		}
	}
	return nil
}

// cappedBuffer keeps at most limit bytes and remembers whether it dropped any.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }
