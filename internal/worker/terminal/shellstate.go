package terminal

import (
	"bytes"
	"strconv"
	"time"
)

// Shell-state markers emitted by the installed zsh hooks. The filter
// strips them from client-visible output.
const (
	stateMarker     = "__CW_STATE__:"
	bootstrapMarker = "__CW_BOOTSTRAP_DONE__"

	// markerPrefix is the longest common prefix of both markers; a
	// chunk tail matching it is held back until the next read.
	markerPrefix = "__CW_"

	bootstrapTimeout = 15 * time.Second
)

// hookScript wires zsh's preexec/precmd to emit state markers, then
// signals the end of initialization noise.
const hookScript = `__cw_emit_state() { printf '__CW_STATE__:%s:%d\n' "$1" "${#jobstates}"; }
preexec() { __cw_emit_state busy; }
precmd() { __cw_emit_state idle; }
printf '__CW_BOOTSTRAP_DONE__\n'
`

// stateUpdate is one parsed __CW_STATE__ marker.
type stateUpdate struct {
	busy bool
	jobs int
}

// stateFilter strips shell-state markers out of PTY output and
// suppresses everything before the one-shot bootstrap marker. Not safe
// for concurrent use; the session's reader goroutine owns it.
type stateFilter struct {
	hooksEnabled bool
	bootstrapped bool
	deadline     time.Time
	carry        []byte
}

func newStateFilter(hooksEnabled bool, now time.Time) *stateFilter {
	return &stateFilter{
		hooksEnabled: hooksEnabled,
		bootstrapped: !hooksEnabled,
		deadline:     now.Add(bootstrapTimeout),
	}
}

// Filter consumes one PTY chunk and returns the client-visible bytes
// plus any state updates found. Markers split across chunks are held
// in carry until completed.
func (f *stateFilter) Filter(data []byte, now time.Time) ([]byte, []stateUpdate) {
	if !f.bootstrapped && now.After(f.deadline) {
		f.bootstrapped = true
	}

	buf := append(f.carry, data...)
	f.carry = nil

	var out []byte
	var updates []stateUpdate

	// Text is only visible once the bootstrap marker has passed, so
	// suppression applies per segment, not per chunk.
	emit := func(b []byte) {
		if f.bootstrapped {
			out = append(out, b...)
		}
	}

	for len(buf) > 0 {
		idx := bytes.Index(buf, []byte(markerPrefix))
		if idx == -1 {
			// Hold back a tail that might begin a marker.
			keep := partialPrefixLen(buf)
			emit(buf[:len(buf)-keep])
			f.carry = append(f.carry, buf[len(buf)-keep:]...)
			break
		}

		emit(buf[:idx])
		buf = buf[idx:]

		if bytes.HasPrefix(buf, []byte(bootstrapMarker)) {
			f.bootstrapped = true
			buf = trimMarkerLine(buf[len(bootstrapMarker):])
			continue
		}
		if bytes.HasPrefix(buf, []byte(stateMarker)) {
			rest := buf[len(stateMarker):]
			upd, consumed, complete := parseState(rest)
			if !complete {
				f.carry = buf
				break
			}
			updates = append(updates, upd)
			buf = trimMarkerLine(rest[consumed:])
			continue
		}
		if couldPrefix(buf) {
			f.carry = buf
			break
		}

		// A literal __CW_ that is not one of ours.
		emit(buf[:len(markerPrefix)])
		buf = buf[len(markerPrefix):]
	}
	return out, updates
}

// parseState reads "<busy|idle>:<n>" and reports the bytes consumed.
// complete is false when the chunk ends before the marker does.
func parseState(rest []byte) (stateUpdate, int, bool) {
	nl := bytes.IndexAny(rest, "\r\n")
	if nl == -1 {
		// The jobs count has no terminator yet; wait for more bytes
		// unless the line is already implausibly long.
		if len(rest) < 32 {
			return stateUpdate{}, 0, false
		}
		nl = len(rest)
	}
	fields := bytes.SplitN(rest[:nl], []byte(":"), 2)
	upd := stateUpdate{busy: string(fields[0]) == "busy"}
	if len(fields) == 2 {
		if n, err := strconv.Atoi(string(bytes.TrimSpace(fields[1]))); err == nil {
			upd.jobs = n
		}
	}
	return upd, nl, true
}

// trimMarkerLine drops the line terminator following a marker so the
// marker leaves no blank line behind.
func trimMarkerLine(buf []byte) []byte {
	for len(buf) > 0 && (buf[0] == '\r' || buf[0] == '\n') {
		buf = buf[1:]
	}
	return buf
}

// partialPrefixLen returns the length of the longest suffix of buf that
// is a prefix of markerPrefix.
func partialPrefixLen(buf []byte) int {
	max := len(markerPrefix) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if bytes.HasSuffix(buf, []byte(markerPrefix[:n])) {
			return n
		}
	}
	return 0
}

// couldPrefix reports whether buf is a prefix of either marker.
func couldPrefix(buf []byte) bool {
	return bytes.HasPrefix([]byte(stateMarker), buf) || bytes.HasPrefix([]byte(bootstrapMarker), buf)
}
