package trace

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/parabinda/glowroot/pkg/stacktree"
)

// goroutineStateToThreadState maps the bracketed state Go's runtime prints
// in a goroutine dump header (e.g. "running", "chan receive", "select",
// "sleep", "IO wait") onto the small thread-state vocabulary
// stacktree.ThreadState exposes. There is no exact correspondence between
// Go's scheduler states and a JVM thread's states; this is a documented
// best-effort mapping, not a faithful translation (see DESIGN.md).
func goroutineStateToThreadState(state string) stacktree.ThreadState {
	state = strings.ToLower(state)
	switch {
	case strings.HasPrefix(state, "running"), strings.HasPrefix(state, "runnable"):
		return stacktree.Runnable
	case strings.Contains(state, "lock"), strings.Contains(state, "semacquire"), strings.Contains(state, "sync"):
		return stacktree.Blocked
	case strings.Contains(state, "chan"), strings.Contains(state, "select"), strings.Contains(state, "wait"):
		return stacktree.Waiting
	case strings.Contains(state, "sleep"), strings.Contains(state, "timer"), strings.Contains(state, "io wait"):
		return stacktree.TimedWaiting
	default:
		return stacktree.Runnable
	}
}

// parseGoroutineDump extracts the block for goroutine gid out of a
// runtime.Stack(buf, all=true) dump and converts it into call-tree frames
// ordered oldest-first (index 0 is the outermost caller), capped at
// maxDepth by dropping the oldest frames first so the leaf — where a
// profiler's interest concentrates — is always preserved.
func parseGoroutineDump(dump []byte, gid int64, maxDepth int) ([]stacktree.Frame, stacktree.ThreadState, bool) {
	header := []byte(fmt.Sprintf("goroutine %d [", gid))
	start := bytes.Index(dump, header)
	if start == -1 {
		return nil, "", false
	}
	rest := dump[start:]
	end := bytes.Index(rest, []byte("\n\n"))
	var block []byte
	if end == -1 {
		block = rest
	} else {
		block = rest[:end]
	}

	lines := strings.Split(string(block), "\n")
	if len(lines) == 0 {
		return nil, "", false
	}

	headerLine := lines[0]
	state := extractBracketed(headerLine)

	var frames []stacktree.Frame // newest first as scanned
	for i := 1; i+1 < len(lines); i += 2 {
		callLine := strings.TrimSpace(lines[i])
		locLine := strings.TrimSpace(lines[i+1])
		if callLine == "" {
			break
		}
		if strings.HasPrefix(callLine, "created by ") {
			break
		}
		pkgName, fn := splitPackageFunc(callLine)
		file, line := splitFileLine(locLine)
		frames = append(frames, stacktree.Frame{
			Package:  pkgName,
			Function: fn,
			File:     file,
			Line:     line,
		})
	}
	if len(frames) == 0 {
		return nil, "", false
	}

	// reverse to oldest-first
	for l, r := 0, len(frames)-1; l < r; l, r = l+1, r-1 {
		frames[l], frames[r] = frames[r], frames[l]
	}
	if len(frames) > maxDepth {
		frames = frames[len(frames)-maxDepth:]
	}
	return frames, goroutineStateToThreadState(state), true
}

func extractBracketed(s string) string {
	i := strings.Index(s, "[")
	j := strings.LastIndex(s, "]")
	if i == -1 || j == -1 || j < i {
		return ""
	}
	inner := s[i+1 : j]
	if comma := strings.Index(inner, ","); comma != -1 {
		inner = inner[:comma]
	}
	return inner
}

// splitPackageFunc splits a call-line like
// "github.com/foo/bar.(*Thing).Method(0x1, 0x2)" into a package path and
// a bare function/method name.
func splitPackageFunc(callLine string) (string, string) {
	if strings.HasSuffix(callLine, ")") {
		if paren := strings.LastIndex(callLine, "("); paren != -1 {
			callLine = callLine[:paren]
		}
	}
	dot := strings.LastIndex(callLine, ".")
	if dot == -1 {
		return "", callLine
	}
	// a receiver like "pkg.(*Thing).Method" has more than one dot after
	// the package path; walk back past any "(*Thing)" segment.
	pkgEnd := dot
	if strings.HasSuffix(callLine[:dot], ")") {
		if open := strings.LastIndex(callLine[:dot], "."); open != -1 {
			pkgEnd = open
		}
	}
	fn := callLine[pkgEnd+1:]
	if dot2 := strings.LastIndex(fn, "."); dot2 != -1 {
		fn = fn[dot2+1:]
	}
	return callLine[:pkgEnd], fn
}

func splitFileLine(locLine string) (string, int) {
	fields := strings.Fields(locLine)
	if len(fields) == 0 {
		return "", 0
	}
	fl := fields[0]
	colon := strings.LastIndex(fl, ":")
	if colon == -1 {
		return fl, 0
	}
	line, err := strconv.Atoi(fl[colon+1:])
	if err != nil {
		return fl[:colon], 0
	}
	return fl[:colon], line
}
