package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/event"
)

func TestEventWriterSerializesConcurrentEvents(t *testing.T) {
	var buf bytes.Buffer
	write := newEventWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			write(event.Event{
				Type: event.Status,
				Data: event.StatusData{SessionID: "s1", Text: strings.Repeat("x", n)},
			})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		assert.True(t, json.Valid([]byte(line)), "interleaved write corrupted the stream: %q", line)
	}
}
