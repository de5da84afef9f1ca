// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package hostirq

import "bytes"

// scanner parses a single text line of “/proc/interrupts” in place, without
// allocating. The line's length is taken from the slice, as accessing len(b)
// boils down to a single load.
type scanner struct {
	line []byte
	pos  int // current parsing position in line
}

func newScanner(line []byte) *scanner {
	return &scanner{line: line}
}

// eol returns true if the whole line has been consumed.
func (s *scanner) eol() bool { return s.pos >= len(s.line) }

// blanks skips space characters, returning true if this reaches the end of the
// line.
func (s *scanner) blanks() (eol bool) {
	for s.pos < len(s.line) && s.line[s.pos] == ' ' {
		s.pos++
	}
	return s.pos >= len(s.line)
}

// expect consumes text if it is next in the line, returning true. Otherwise,
// it returns false and leaves the position unchanged.
func (s *scanner) expect(text string) bool {
	if s.pos > len(s.line) || !bytes.HasPrefix(s.line[s.pos:], []byte(text)) {
		return false
	}
	s.pos += len(text)
	return true
}

// number consumes a decimal number of at least one digit, returning it and
// true. If there is no digit, it returns false and leaves the position
// unchanged.
func (s *scanner) number() (num uint64, ok bool) {
	start := s.pos
	for ; s.pos < len(s.line); s.pos++ {
		ch := s.line[s.pos]
		if ch < '0' || ch > '9' {
			break
		}
		num = num*10 + uint64(ch-'0')
	}
	return num, s.pos > start
}

// fields returns the number of space-separated fields from the current
// position to the end of the line, without consuming them.
func (s *scanner) fields() (n int) {
	infield := false
	for _, ch := range s.line[min(s.pos, len(s.line)):] {
		switch {
		case ch == ' ':
			infield = false
		case !infield:
			infield = true
			n++
		}
	}
	return n
}
