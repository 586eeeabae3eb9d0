package slices

// Map applies f to every element of l.
func Map[L ~[]X, X, Y any](l L, f func(X) Y) []Y {
	r := make([]Y, len(l))
	for i, x := range l {
		r[i] = f(x)
	}
	return r
}

// Filter returns the elements of l for which keep is true, preserving order.
func Filter[L ~[]X, X any](l L, keep func(X) bool) []X {
	var r []X
	for _, x := range l {
		if keep(x) {
			r = append(r, x)
		}
	}
	return r
}
