// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"encoding/binary"
)

type mutation struct {
	name string
	fn   func(h *Havoc, data []byte) ([]byte, bool)
}

var mutations = []mutation{
	{"BitFlip", bitFlip},
	{"ByteFlip", byteFlip},
	{"ByteInc", byteInc},
	{"ByteDec", byteDec},
	{"ByteNeg", byteNeg},
	{"ByteRand", byteRand},
	{"ByteAdd", arith(1)},
	{"WordAdd", arith(2)},
	{"DwordAdd", arith(4)},
	{"QwordAdd", arith(8)},
	{"ByteInteresting", setInteresting(1)},
	{"WordInteresting", setInteresting(2)},
	{"DwordInteresting", setInteresting(4)},
	{"BytesDelete", bytesDelete},
	{"BytesExpand", bytesExpand},
	{"BytesInsert", bytesInsert},
	{"BytesRandInsert", bytesRandInsert},
	{"BytesSet", bytesSet},
	{"BytesRandSet", bytesRandSet},
	{"BytesCopy", bytesCopy},
	{"BytesInsertCopy", bytesInsertCopy},
	{"BytesSwap", bytesSwap},
	{"CrossoverInsert", crossoverInsert},
	{"CrossoverReplace", crossoverReplace},
	{"TokenInsert", tokenInsert},
	{"TokenReplace", tokenReplace},
}

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func bitFlip(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	data[h.rand(len(data))] ^= 1 << uint(h.rand(8))
	return data, true
}

func byteFlip(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	data[h.rand(len(data))] ^= 0xff
	return data, true
}

func byteInc(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	data[h.rand(len(data))]++
	return data, true
}

func byteDec(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	data[h.rand(len(data))]--
	return data, true
}

func byteNeg(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	pos := h.rand(len(data))
	data[pos] = -data[pos]
	return data, true
}

func byteRand(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	pos := h.rand(len(data))
	data[pos] ^= byte(h.rand(255)) + 1
	return data, true
}

func order(h *Havoc) binary.ByteOrder {
	if h.randBool() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func load(o binary.ByteOrder, b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(o.Uint16(b))
	case 4:
		return uint64(o.Uint32(b))
	}
	return o.Uint64(b)
}

func store(o binary.ByteOrder, b []byte, width int, v uint64) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		o.PutUint16(b, uint16(v))
	case 4:
		o.PutUint32(b, uint32(v))
	default:
		o.PutUint64(b, v)
	}
}

// arith adds or subtracts a small delta to an integer of the given width.
func arith(width int) func(h *Havoc, data []byte) ([]byte, bool) {
	return func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) < width {
			return data, false
		}
		pos := h.rand(len(data) - width + 1)
		o := order(h)
		v := load(o, data[pos:], width)
		delta := uint64(h.rand(35) + 1)
		if h.randBool() {
			v += delta
		} else {
			v -= delta
		}
		store(o, data[pos:], width, v)
		return data, true
	}
}

func setInteresting(width int) func(h *Havoc, data []byte) ([]byte, bool) {
	return func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) < width {
			return data, false
		}
		pos := h.rand(len(data) - width + 1)
		var v uint64
		switch width {
		case 1:
			v = uint64(interesting8[h.rand(len(interesting8))])
		case 2:
			if n := len(interesting8); h.rand(n+len(interesting16)) < n {
				v = uint64(int64(interesting8[h.rand(n)]))
			} else {
				v = uint64(int64(interesting16[h.rand(len(interesting16))]))
			}
		default:
			if n := len(interesting16); h.rand(n+len(interesting32)) < n {
				v = uint64(int64(interesting16[h.rand(n)]))
			} else {
				v = uint64(int64(interesting32[h.rand(len(interesting32))]))
			}
		}
		store(order(h), data[pos:], width, v)
		return data, true
	}
}

func bytesDelete(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	n := h.chooseLen(len(data))
	pos := h.rand(len(data) - n + 1)
	return append(data[:pos], data[pos+n:]...), true
}

// bytesExpand duplicates a block in place.
func bytesExpand(h *Havoc, data []byte) ([]byte, bool) {
	room := h.room(data)
	if len(data) == 0 || room <= 0 {
		return data, false
	}
	n := h.chooseLen(min(len(data), room))
	pos := h.rand(len(data) - n + 1)
	chunk := append([]byte{}, data[pos:pos+n]...)
	return insert(data, pos, chunk), true
}

// bytesInsert inserts a run of one byte taken from the input.
func bytesInsert(h *Havoc, data []byte) ([]byte, bool) {
	room := h.room(data)
	if room <= 0 {
		return data, false
	}
	v := byte(h.rand(256))
	if len(data) != 0 {
		v = data[h.rand(len(data))]
	}
	n := h.chooseLen(min(16, room))
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = v
	}
	return insert(data, h.rand(len(data)+1), chunk), true
}

func bytesRandInsert(h *Havoc, data []byte) ([]byte, bool) {
	room := h.room(data)
	if room <= 0 {
		return data, false
	}
	n := h.chooseLen(min(16, room))
	chunk := make([]byte, n)
	h.r.Read(chunk)
	return insert(data, h.rand(len(data)+1), chunk), true
}

func bytesSet(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	n := h.chooseLen(len(data))
	pos := h.rand(len(data) - n + 1)
	v := data[h.rand(len(data))]
	for i := pos; i < pos+n; i++ {
		data[i] = v
	}
	return data, true
}

func bytesRandSet(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	n := h.chooseLen(len(data))
	pos := h.rand(len(data) - n + 1)
	v := byte(h.rand(256))
	for i := pos; i < pos+n; i++ {
		data[i] = v
	}
	return data, true
}

// bytesCopy overwrites a block with another block of the same input.
func bytesCopy(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return data, false
	}
	n := h.chooseLen(len(data) - 1)
	positions := len(data) - n + 1
	src := h.rand(positions)
	dst := (src + 1 + h.rand(positions-1)) % positions
	copy(data[dst:], data[src:src+n])
	return data, true
}

func bytesInsertCopy(h *Havoc, data []byte) ([]byte, bool) {
	room := h.room(data)
	if len(data) < 2 || room <= 0 {
		return data, false
	}
	n := h.chooseLen(min(len(data)-1, room))
	src := h.rand(len(data) - n + 1)
	chunk := append([]byte{}, data[src:src+n]...)
	return insert(data, h.rand(len(data)+1), chunk), true
}

// bytesSwap swaps two non-overlapping blocks of equal length.
func bytesSwap(h *Havoc, data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return data, false
	}
	n := h.chooseLen(len(data) / 2)
	first := h.rand(len(data) - 2*n + 1)
	second := first + n + h.rand(len(data)-first-2*n+1)
	tmp := append([]byte{}, data[first:first+n]...)
	copy(data[first:], data[second:second+n])
	copy(data[second:], tmp)
	return data, true
}

func (h *Havoc) other() []byte {
	if h.Splice == nil {
		return nil
	}
	return h.Splice()
}

// crossoverInsert inserts a block of another corpus entry.
func crossoverInsert(h *Havoc, data []byte) ([]byte, bool) {
	other := h.other()
	room := h.room(data)
	if len(other) == 0 || room <= 0 {
		return data, false
	}
	n := h.chooseLen(min(len(other), room))
	from := h.rand(len(other) - n + 1)
	chunk := append([]byte{}, other[from:from+n]...)
	return insert(data, h.rand(len(data)+1), chunk), true
}

// crossoverReplace overwrites a block with a block of another corpus entry.
func crossoverReplace(h *Havoc, data []byte) ([]byte, bool) {
	other := h.other()
	if len(other) == 0 || len(data) == 0 {
		return data, false
	}
	n := h.chooseLen(min(len(other), len(data)))
	from := h.rand(len(other) - n + 1)
	to := h.rand(len(data) - n + 1)
	copy(data[to:], other[from:from+n])
	return data, true
}

func (h *Havoc) token() []byte {
	if len(h.Tokens) == 0 {
		return nil
	}
	return h.Tokens[h.rand(len(h.Tokens))]
}

func tokenInsert(h *Havoc, data []byte) ([]byte, bool) {
	tok := h.token()
	if len(tok) == 0 || len(tok) > h.room(data) {
		return data, false
	}
	return insert(data, h.rand(len(data)+1), tok), true
}

func tokenReplace(h *Havoc, data []byte) ([]byte, bool) {
	tok := h.token()
	if len(tok) == 0 || len(tok) > len(data) {
		return data, false
	}
	copy(data[h.rand(len(data)-len(tok)+1):], tok)
	return data, true
}
