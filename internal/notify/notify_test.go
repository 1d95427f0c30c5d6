package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDeduper_SuppressesStreaks(t *testing.T) {
	var got []Notification
	d := NewDeduper(func(n Notification) { got = append(got, n) })

	d.Notify(Notification{Kind: KindBash, Count: 1})
	d.Notify(Notification{Kind: KindBash, Count: 2})
	d.Notify(Notification{Kind: KindBash, Count: 3})
	d.Notify(Notification{Kind: KindThinking})
	d.Notify(Notification{Kind: KindBash, Count: 4})

	assert.Equal(t, []Notification{
		{Kind: KindBash, Count: 1},
		{Kind: KindThinking},
		{Kind: KindBash, Count: 4},
	}, got)
}

func TestDeduper_NilSafe(t *testing.T) {
	var d *Deduper
	assert.False(t, d.Notify(Notification{Kind: KindTool}))
	assert.Equal(t, Kind(""), d.Last())

	quiet := NewDeduper(nil)
	assert.False(t, quiet.Notify(Notification{Kind: KindTool}))
	assert.Equal(t, KindTool, quiet.Last())
}

// Feature: sessionwatch, Property 7: No two consecutive notifications share a kind
func TestDeduper_NoConsecutiveRepeats(t *testing.T) {
	kinds := []Kind{KindBash, KindFile, KindTool, KindThinking, KindReasoning, KindPermission, KindTodo}

	rapid.Check(t, func(t *rapid.T) {
		input := rapid.SliceOf(rapid.SampledFrom(kinds)).Draw(t, "kinds")

		var got []Kind
		d := NewDeduper(func(n Notification) { got = append(got, n.Kind) })
		for _, k := range input {
			d.Notify(Notification{Kind: k})
		}

		// Expected output is the input with runs collapsed.
		var want []Kind
		for i, k := range input {
			if i == 0 || input[i-1] != k {
				want = append(want, k)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("got %d notifications, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("notification %d: got %q, want %q", i, got[i], want[i])
			}
		}
	})
}
