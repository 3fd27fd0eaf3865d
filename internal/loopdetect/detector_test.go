package loopdetect

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newDetector() (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{Now: clock.Now}), clock
}

func edit(target, content string) Action {
	return Action{Kind: "Edit", Target: target, Content: content}
}

func TestDetector_ExactRepetition(t *testing.T) {
	d, _ := newDetector()

	for i := 0; i < 4; i++ {
		assert.Nil(t, d.RecordAction(edit("main.go", "fix handler")), "action %d", i)
	}
	p := d.RecordAction(edit("main.go", "fix handler"))
	require.NotNil(t, p)
	assert.Equal(t, PatternExactRepetition, p.Type)
	assert.Equal(t, 5, p.Repetitions)
	assert.Equal(t, 1.0, p.Confidence)
	assert.Len(t, p.Actions, 5)
}

func TestDetector_ContentBeyondPrefixIgnored(t *testing.T) {
	d, _ := newDetector()
	prefix := strings.Repeat("x", DefaultContentLimit)

	var p *Pattern
	for i := 0; i < 5; i++ {
		p = d.RecordAction(edit("main.go", prefix+fmt.Sprint(i)))
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternExactRepetition, p.Type)
}

func TestDetector_SequenceRepetition(t *testing.T) {
	d, _ := newDetector()
	a := Action{Kind: "Read", Target: "a.go"}
	b := Action{Kind: "Bash", Target: "go", Content: "go test ./..."}

	var p *Pattern
	for i := 0; i < 3; i++ {
		require.Nil(t, p)
		p = d.RecordAction(a)
		if i < 2 {
			require.Nil(t, p)
		}
		p = d.RecordAction(b)
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternSequenceRepetition, p.Type)
	assert.Equal(t, 3, p.Repetitions)
	assert.Len(t, p.Actions, 6)
}

func TestDetector_LongerSequence(t *testing.T) {
	d, _ := newDetector()
	seq := []Action{
		{Kind: "Read", Target: "a.go"},
		{Kind: "Edit", Target: "a.go", Content: "x"},
		{Kind: "Bash", Target: "make"},
	}

	var p *Pattern
	for i := 0; i < 3; i++ {
		for _, a := range seq {
			p = d.RecordAction(a)
		}
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternSequenceRepetition, p.Type)
	assert.Len(t, p.Actions, 9)
}

func TestDetector_DistinctActions(t *testing.T) {
	d, _ := newDetector()
	for i := 0; i < 5; i++ {
		p := d.RecordAction(edit(fmt.Sprintf("file%d.go", i), fmt.Sprintf("change %d", i)))
		assert.Nil(t, p)
	}
}

func TestDetector_SimilarActions(t *testing.T) {
	d, _ := newDetector()
	base := "replace the retry loop in fetchUser with exponential backoff and jitter"

	var p *Pattern
	for i := 0; i < 3; i++ {
		p = d.RecordAction(edit("client.go", fmt.Sprintf("%s v%d", base, i)))
		if i < 2 {
			require.Nil(t, p)
		}
		d.RecordAction(Action{Kind: "Read", Target: fmt.Sprintf("other%d.go", i)})
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternSimilarActions, p.Type)
	assert.Equal(t, 3, p.Repetitions)
	assert.Greater(t, p.Confidence, 0.7)
}

func TestDetector_InterleavedIdenticalEdits(t *testing.T) {
	d, _ := newDetector()

	var p *Pattern
	for i := 0; i < 8 && p == nil; i++ {
		p = d.RecordAction(edit("app.go", "replace handler body"))
		if p == nil {
			p = d.RecordAction(Action{Kind: "Read", Target: fmt.Sprintf("file%d.go", i)})
		}
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternSimilarActions, p.Type)
	assert.Equal(t, 3, p.Repetitions)
	assert.Equal(t, 1.0, p.Confidence)
	for _, a := range p.Actions {
		assert.Equal(t, "app.go", a.Target)
	}
}

func TestDetector_SimilarActionsAcrossKinds(t *testing.T) {
	d, _ := newDetector()
	base := "set the request timeout to thirty seconds in the client config"
	kinds := []string{"Edit", "Write", "Edit"}

	var p *Pattern
	for i, kind := range kinds {
		p = d.RecordAction(Action{Kind: kind, Target: "config.go", Content: fmt.Sprintf("%s v%d", base, i)})
		if i < len(kinds)-1 {
			require.Nil(t, p)
		}
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternSimilarActions, p.Type)
	assert.Equal(t, 3, p.Repetitions)
	assert.Contains(t, p.Description, "config.go")
}

func TestDetector_DissimilarSameTarget(t *testing.T) {
	d, _ := newDetector()
	contents := []string{"add imports", "rewrite the parser from scratch using a table", "x"}
	for _, c := range contents {
		assert.Nil(t, d.RecordAction(edit("parser.go", c)))
	}
}

func TestDetector_ErrorLoop(t *testing.T) {
	d, _ := newDetector()

	var p *Pattern
	for i := 0; i < 3; i++ {
		p = d.RecordAction(Action{
			Kind:    "Bash",
			Target:  fmt.Sprintf("attempt-%d", i),
			Content: fmt.Sprintf("go build attempt %d", i),
			Output:  "compiling...\nmain.go:12: undefined: Foo error\nexit status 1",
		})
	}
	require.NotNil(t, p)
	assert.Equal(t, PatternErrorLoop, p.Type)
	assert.Equal(t, 3, p.Repetitions)
	assert.Equal(t, 1.0, p.Confidence)
}

func TestDetector_Suppress(t *testing.T) {
	d, clock := newDetector()
	d.Suppress(30 * time.Second)
	assert.True(t, d.Suppressed())

	for i := 0; i < 6; i++ {
		assert.Nil(t, d.RecordAction(edit("main.go", "same")))
	}
	assert.Len(t, d.History(), 6, "actions are still recorded while suppressed")

	clock.Advance(31 * time.Second)
	assert.False(t, d.Suppressed())
	p := d.RecordAction(edit("main.go", "same"))
	require.NotNil(t, p)
	assert.Equal(t, 7, p.Repetitions)
}

func TestDetector_ClearHistory(t *testing.T) {
	d, _ := newDetector()
	for i := 0; i < 4; i++ {
		d.RecordAction(edit("main.go", "same"))
	}
	d.ClearHistory()
	assert.Empty(t, d.History())
	assert.Nil(t, d.RecordAction(edit("main.go", "same")))
}

func TestDetector_RingBufferBounded(t *testing.T) {
	d := New(Config{HistorySize: 10})
	for i := 0; i < 25; i++ {
		d.RecordAction(edit(fmt.Sprintf("f%d.go", i), ""))
	}
	history := d.History()
	require.Len(t, history, 10)
	assert.Equal(t, "f15.go", history[0].Target)
	assert.Equal(t, "f24.go", history[9].Target)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("", ""))
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.Equal(t, 0.0, similarity("abc", ""))
	assert.InDelta(t, 1.0-3.0/7.0, similarity("kitten", "sitting"), 1e-9)
}

func TestParseLine(t *testing.T) {
	a, ok := ParseLine("[Tool: Edit] src/app.go replace handler")
	require.True(t, ok)
	assert.Equal(t, "Edit", a.Kind)
	assert.Equal(t, "src/app.go", a.Target)
	assert.Equal(t, "src/app.go replace handler", a.Content)

	a, ok = ParseLine("  Error: cannot find module 'react'")
	require.True(t, ok)
	assert.Equal(t, KindError, a.Kind)
	assert.Equal(t, "Error: cannot find module 'react'", a.Output)

	_, ok = ParseLine("Thinking about the next step")
	assert.False(t, ok)
}
