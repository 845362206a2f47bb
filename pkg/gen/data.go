package gen

// DeleteFirst removes the first element equal to v, preserving the order of the rest.
// If v is not present, the slice is returned unchanged.
func DeleteFirst[T comparable](s []T, v T) []T {
	for i := range s {
		if s[i] == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
