// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient bitmap.
//
// The zero value is an empty bitmap that grows on Add.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap.
func New(size uint32) Bitmap {
	b := Bitmap{}
	bSize := (size + 63) / 64
	b.bitBlock = make([]uint64, bSize)
	return b
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains reports whether i is set.
func (b *Bitmap) Contains(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&mask != 0
}

// FirstOne returns the first set bit from the range [start, ).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// Add add i to the Bitmap.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	// if blockNum is out of range, extend b.bitBlock
	if x, y := int(blockNum), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// rangeMask returns the bits of block index blk that fall in [begin, end).
func rangeMask(blk, begin, end uint32) uint64 {
	lo, hi := blk*64, blk*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	width := hi - lo
	var m uint64
	if width == 64 {
		m = math.MaxUint64
	} else {
		m = (uint64(1) << width) - 1
	}
	return m << (lo % 64)
}

// CountRange returns the number of set bits within [begin, end).
func (b *Bitmap) CountRange(begin, end uint32) uint32 {
	if begin >= end {
		return 0
	}
	var ones uint32
	for blk := begin / 64; blk <= (end-1)/64 && int(blk) < len(b.bitBlock); blk++ {
		ones += uint32(bits.OnesCount64(b.bitBlock[blk] & rangeMask(blk, begin, end)))
	}
	return ones
}

// AddRange sets every bit within [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	if begin >= end {
		return
	}
	if x, y := int((end-1)/64), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes += uint32(bits.OnesCount64(m &^ b.bitBlock[blk]))
		b.bitBlock[blk] |= m
	}
}

// RemoveRange clears every bit within [begin, end).
func (b *Bitmap) RemoveRange(begin, end uint32) {
	if begin >= end {
		return
	}
	for blk := begin / 64; blk <= (end-1)/64 && int(blk) < len(b.bitBlock); blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes -= uint32(bits.OnesCount64(m & b.bitBlock[blk]))
		b.bitBlock[blk] &^= m
	}
}

// ForEach calls f for each set bit within [start, end) in increasing order.
// Iteration stops early if f returns false.
func (b *Bitmap) ForEach(start, end uint32, f func(i uint32) bool) {
	for i := start / 64; int(i) < len(b.bitBlock) && i*64 < end; i++ {
		w := b.bitBlock[i] & rangeMask(i, start, end)
		for w != 0 {
			r := uint32(bits.TrailingZeros64(w))
			if !f(i*64 + r) {
				return
			}
			w &^= uint64(1) << r
		}
	}
}
