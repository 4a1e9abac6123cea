package ai

import (
	"bufio"
	"io"
	"iter"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const doneSentinel = "[DONE]"

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// UpstreamError is an error the upstream reported inside the stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string { return "upstream: " + e.Message }

// ParseStream yields text deltas as lines arrive on r. Lines may carry an SSE
// "data:" prefix. Undecodable lines are logged and skipped; an error chunk or
// a read failure is yielded once and ends the sequence. The sequence reads r
// once and cannot be restarted.
func ParseStream(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sc := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			data, ok := payload(sc.Text())
			if !ok {
				continue
			}

			var chunk streamChunk
			if err := sonic.UnmarshalString(data, &chunk); err != nil {
				log.Warn().Str("component", "stream_parser").Err(err).Str("line", truncate(data, 200)).Msg("skip undecodable chunk")
				continue
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				yield("", &UpstreamError{Message: chunk.Error.Message})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0].Delta.Content
			if c == nil || *c == "" {
				continue
			}
			if !yield(*c, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", errors.Wrap(err, "read upstream stream"))
		}
	}
}

// payload strips framing from one line; ok is false for lines that carry no
// JSON.
func payload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if strings.HasPrefix(line, "data:") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	} else if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
		return "", false
	}
	if line == "" || line == doneSentinel {
		return "", false
	}
	return line, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
