package agent

import "strings"

// sentinelFilter forwards streamed text but holds it back while everything
// received so far could still turn out to be a sentinel reply.
type sentinelFilter struct {
	sentinels []string
	forward   func(string)

	buf      strings.Builder
	released int
	open     bool
}

func newSentinelFilter(sentinels []string, forward func(string)) *sentinelFilter {
	return &sentinelFilter{sentinels: sentinels, forward: forward}
}

// Write accepts one delta.
func (f *sentinelFilter) Write(delta string) {
	if delta == "" {
		return
	}
	f.buf.WriteString(delta)
	if !f.open && f.couldBeSentinel(f.buf.String()) {
		return
	}
	f.open = true
	f.flush()
}

// Finish releases held text unless the final reply is a sentinel.
func (f *sentinelFilter) Finish(final string) {
	if isSentinel(final, f.sentinels) {
		return
	}
	f.flush()
}

// Reset discards the buffer, for when the call is replayed elsewhere.
func (f *sentinelFilter) Reset() {
	f.buf.Reset()
	f.released = 0
	f.open = false
}

// Released reports whether any text has been forwarded.
func (f *sentinelFilter) Released() bool { return f.released > 0 }

func (f *sentinelFilter) flush() {
	s := f.buf.String()
	if f.released < len(s) {
		f.forward(s[f.released:])
		f.released = len(s)
	}
}

func (f *sentinelFilter) couldBeSentinel(text string) bool {
	head := strings.TrimLeft(text, " \t\r\n")
	for _, s := range f.sentinels {
		if strings.HasPrefix(s, head) {
			return true
		}
		if strings.HasPrefix(head, s) && strings.TrimSpace(head[len(s):]) == "" {
			return true
		}
	}
	return false
}

func isSentinel(text string, sentinels []string) bool {
	text = strings.TrimSpace(text)
	for _, s := range sentinels {
		if text == s {
			return true
		}
	}
	return false
}
