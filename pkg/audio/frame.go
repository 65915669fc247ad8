package audio

import "iter"

// Frames returns a sequence of consecutive n-byte views into buf, starting at
// offset 0. A trailing partial frame is dropped so every yielded frame has
// exactly n bytes. The yielded slices alias buf; nothing is copied.
//
// An empty buf or n <= 0 yields nothing. The sequence may be ranged over any
// number of times.
func Frames(buf []byte, n int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if n <= 0 {
			return
		}
		for off := 0; off+n <= len(buf); off += n {
			if !yield(buf[off : off+n : off+n]) {
				return
			}
		}
	}
}

// FrameCount reports how many whole n-byte frames fit in size bytes.
func FrameCount(size, n int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return size / n
}

// Remainder reports how many trailing bytes Frames drops for a buffer of the
// given size.
func Remainder(size, n int) int {
	if n <= 0 || size <= 0 {
		return max(size, 0)
	}
	return size % n
}
