package stream

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/research/internal/domain"
)

func TestReassemblerFeed(t *testing.T) {
	var r Reassembler

	assert.Empty(t, r.Feed([]byte("data: {\"type\":\"text")))
	assert.Equal(t, "data: {\"type\":\"text", r.Pending())

	lines := r.Feed([]byte("_delta\"}\n\n: keepalive\nda"))
	assert.Equal(t, []string{`data: {"type":"text_delta"}`, "", ": keepalive"}, lines)
	assert.Equal(t, "da", r.Pending())

	lines = r.Feed([]byte("ta: x\n"))
	assert.Equal(t, []string{"data: x"}, lines)
	assert.Equal(t, "", r.Pending())
}

func TestReassemblerFlushAndReset(t *testing.T) {
	var r Reassembler
	r.Feed([]byte("line1\ntail"))

	line, ok := r.Flush()
	assert.True(t, ok)
	assert.Equal(t, "tail", line)

	_, ok = r.Flush()
	assert.False(t, ok)

	r.Feed([]byte("partial"))
	r.Reset()
	assert.Equal(t, "", r.Pending())
}

const scenarioStream = "data: {\"type\":\"step_start\",\"step_number\":1,\"tool_name\":\"search\"}\n" +
	": keepalive\n" +
	"data: {\"type\":\"text_delta\",\"text\":\"hello \"}\n" +
	": some other comment\n" +
	"data: {\"type\":\"text_delta\",\"text\":\"世界\"}\n" +
	"data: {not json\n" +
	"data: {\"type\":\"future_event\"}\n" +
	"data: {\"type\":\"code_result_start\"}\n" +
	"data: {\"type\":\"code_result_complete\"}\n" +
	"data: {\"type\":\"step_complete\",\"step_number\":1}\n" +
	"data: {\"type\":\"message_stop\",\"total_steps\":1}\n" +
	"\n" +
	"data: {\"type\":\"done\",\"usage\":{\"input_tokens\":10,\"output_tokens\":5},\"file_ids\":[\"f1\"]}\n"

func classifyChunks(t *testing.T, chunks [][]byte) []domain.UpstreamEvent {
	t.Helper()
	var r Reassembler
	c := NewClassifier(nil)
	var events []domain.UpstreamEvent
	for _, chunk := range chunks {
		for _, line := range r.Feed(chunk) {
			if ev, ok := c.Classify(line); ok {
				events = append(events, ev)
			}
		}
	}
	require.Equal(t, "", r.Pending())
	return events
}

func TestChunkBoundaryInvariance(t *testing.T) {
	data := []byte(scenarioStream)
	whole := classifyChunks(t, [][]byte{data})
	require.Len(t, whole, 9)

	t.Run("every single split point", func(t *testing.T) {
		for i := 0; i <= len(data); i++ {
			got := classifyChunks(t, [][]byte{data[:i], data[i:]})
			if !assert.Equal(t, whole, got, "split at %d", i) {
				return
			}
		}
	})

	t.Run("byte at a time", func(t *testing.T) {
		chunks := make([][]byte, len(data))
		for i := range data {
			chunks[i] = data[i : i+1]
		}
		assert.Equal(t, whole, classifyChunks(t, chunks))
	})

	t.Run("random multi splits", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(7, 11))
		for iter := 0; iter < 200; iter++ {
			var chunks [][]byte
			rest := data
			for len(rest) > 0 {
				n := rng.IntN(len(rest)) + 1
				if n > 40 {
					n = rng.IntN(40) + 1
				}
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			if !assert.Equal(t, whole, classifyChunks(t, chunks), "iteration %d", iter) {
				return
			}
		}
	})
}

func TestReassemblerNoLossNoDuplication(t *testing.T) {
	data := strings.Repeat("abc\ndef\n\nxyz", 20) + "\n"
	rng := rand.New(rand.NewPCG(1, 2))

	var r Reassembler
	var rebuilt strings.Builder
	rest := []byte(data)
	for len(rest) > 0 {
		n := rng.IntN(9) + 1
		if n > len(rest) {
			n = len(rest)
		}
		for _, line := range r.Feed(rest[:n]) {
			rebuilt.WriteString(line)
			rebuilt.WriteByte('\n')
		}
		rest = rest[n:]
	}
	assert.Equal(t, data, rebuilt.String())
}
