package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkFilter suppresses <think>...</think> reasoning segments from a
// stream of content deltas. It toggles an active flag whenever a delta
// contains either tag; everything between the tags, inclusive of the
// tags themselves, is dropped.
type ThinkFilter struct {
	inThink bool
	carry   string
}

// Filter consumes one content delta and returns the portion that
// should be surfaced to the caller (possibly empty).
func (f *ThinkFilter) Filter(delta string) string {
	buf := f.carry + delta
	f.carry = ""
	var out strings.Builder

	for {
		if !f.inThink {
			idx := strings.Index(buf, thinkOpen)
			if idx == -1 {
				// Keep a short suffix in case an opening tag is split
				// across deltas.
				if keep := partialTagSuffix(buf, thinkOpen); keep > 0 {
					out.WriteString(buf[:len(buf)-keep])
					f.carry = buf[len(buf)-keep:]
					return out.String()
				}
				out.WriteString(buf)
				return out.String()
			}
			out.WriteString(buf[:idx])
			buf = buf[idx+len(thinkOpen):]
			f.inThink = true
			continue
		}

		idx := strings.Index(buf, thinkClose)
		if idx == -1 {
			// Keep a short suffix in case a closing tag is split across
			// deltas; the rest is genuinely consumed and stays suppressed.
			if keep := partialTagSuffix(buf, thinkClose); keep > 0 {
				f.carry = buf[len(buf)-keep:]
			}
			return out.String()
		}
		buf = buf[idx+len(thinkClose):]
		f.inThink = false
	}
}

// partialTagSuffix returns the length of the longest suffix of buf that
// is a non-empty prefix of tag, so a tag split across two deltas isn't
// mistakenly emitted.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
