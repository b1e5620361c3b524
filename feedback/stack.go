// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"bytes"
	"io"
	"strings"
	"unicode"

	"github.com/maruel/panicparse/stack"
)

const maxSignatureFrames = 8

// Signature reduces crash output to the part that identifies the bug:
// the source line of the innermost target frame followed by the names of
// the calling target frames. Output that holds no parsable stack is
// reduced by a line scanner instead.
func Signature(out []byte) []byte {
	if sig := parseSignature(out); len(sig) != 0 {
		return sig
	}
	return scanSignature(out)
}

func parseSignature(out []byte) []byte {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || ctx == nil {
		return nil
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		var sig []byte
		frames := 0
		for _, f := range gr.Stack.Calls {
			name := f.Func.PkgDotName()
			if strings.HasPrefix(name, "executor.") {
				if frames != 0 {
					// no longer in the target
					break
				}
				continue
			}
			if frames == 0 && (name == "" || name == "panic" ||
				strings.HasPrefix(name, "runtime.") || strings.HasPrefix(name, "debug.")) {
				continue
			}
			if frames == 0 {
				// first part of signature includes the line number
				sig = append(sig, "\n"+f.FullSrcLine()...)
			} else {
				sig = append(sig, "\n"+name...)
			}
			if frames++; frames == maxSignatureFrames {
				break
			}
		}
		return sig
	}
	return nil
}

// scanSignature keeps the crash header and the function names of the first
// goroutine dump that follows it.
func scanSignature(out []byte) []byte {
	lines := strings.Split(string(out), "\n")
	head := -1
	for i, line := range lines {
		if isCrashHeader(line) {
			head = i
			break
		}
	}
	if head < 0 {
		return out
	}
	var sig strings.Builder
	sig.WriteString(lines[head] + "\n")
	if isFlakyHeader(lines[head]) {
		return []byte(sig.String())
	}

	rest := lines[head+1:]
	for len(rest) != 0 && rest[0] != "" {
		rest = rest[1:]
	}
	skip := false
	for _, line := range rest {
		switch {
		case line == "runtime stack:":
			// the user goroutine follows
			skip = true
		case line == "" && skip:
			skip = false
		case line == "" && sig.Len() > len(lines[head])+1:
			return []byte(sig.String())
		case !skip:
			if fn, ok := frameFunc(line); ok {
				sig.WriteString(fn + "\n")
			}
		}
	}
	return []byte(sig.String())
}

func isCrashHeader(line string) bool {
	for _, p := range []string{"panic: ", "fatal error: ", "program hanged", "signal: "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return strings.HasPrefix(line, "SIG") && strings.Contains(line, ": ")
}

// Stacks of hangs and kills say where the program was, not what broke.
func isFlakyHeader(line string) bool {
	return line == "SIGABRT: abort" || line == "signal: killed" || strings.HasPrefix(line, "program hanged")
}

func frameFunc(line string) (string, bool) {
	if line == "" || !unicode.IsLetter(rune(line[0])) {
		return "", false
	}
	idx := strings.LastIndexByte(line, '(')
	if idx <= 0 {
		return "", false
	}
	return line[:idx], true
}
