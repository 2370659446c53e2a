package playback

import (
	"strings"
	"sync"
	"time"
)

// phraseSize is how many words one caption window holds.
const phraseSize = 10

// PhraseWindow returns the caption shown while word cursor i is active: the
// 10-word slice the cursor falls into, joined by spaces.
func PhraseWindow(words []string, i int) string {
	if len(words) == 0 {
		return ""
	}
	if i < 0 {
		i = 0
	}
	start := (i / phraseSize) * phraseSize
	if start >= len(words) {
		start = ((len(words) - 1) / phraseSize) * phraseSize
	}
	end := start + phraseSize
	if end > len(words) {
		end = len(words)
	}
	return strings.Join(words[start:end], " ")
}

// captionTimer advances the caption one word per interval. The first window
// is emitted after one full interval; once the cursor passes the last word
// the timer stops and the final window stays wherever the consumer left it.
type captionTimer struct {
	words    []string
	interval time.Duration
	emit     func(string)

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newCaptionTimer(words []string, interval time.Duration, emit func(string)) *captionTimer {
	return &captionTimer{
		words:    words,
		interval: interval,
		emit:     emit,
		done:     make(chan struct{}),
	}
}

func (c *captionTimer) start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if i >= len(c.words) {
					return
				}
				c.emit(PhraseWindow(c.words, i))
				i++
			}
		}
	}()
}

// cancel stops the timer and waits for the emitting goroutine to exit, so no
// stale caption can land after cancel returns. Safe to call repeatedly.
func (c *captionTimer) cancel() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}
