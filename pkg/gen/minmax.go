package gen

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Float interface {
	~float32 | ~float64
}

type Ordered interface {
	Integer | Float | ~string
}

func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ArgMax returns the index and value of the largest element in s.
// Ties resolve to the lowest index. Returns (-1, 0) for an empty slice.
func ArgMax[T Ordered](s []T) (int, T) {
	var best T
	if len(s) == 0 {
		return -1, best
	}
	idx := 0
	best = s[0]
	for i := 1; i < len(s); i++ {
		if s[i] > best {
			best = s[i]
			idx = i
		}
	}
	return idx, best
}
