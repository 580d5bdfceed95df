// Package capability models best-effort dependencies as explicit tagged
// results instead of error-driven fallbacks.
package capability

// Result is either Available(value) or Unavailable(reason).
type Result[T any] struct {
	value  T
	ok     bool
	reason string
}

// Available wraps a usable value.
func Available[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Unavailable records why a capability could not be provided.
func Unavailable[T any](reason string) Result[T] {
	return Result[T]{reason: reason}
}

// Get returns the value and whether it is available.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.ok
}

// IsAvailable reports whether the capability can be used.
func (r Result[T]) IsAvailable() bool {
	return r.ok
}

// Reason is empty for available results.
func (r Result[T]) Reason() string {
	return r.reason
}

// OrElse returns the value, or fallback when unavailable.
func (r Result[T]) OrElse(fallback T) T {
	if r.ok {
		return r.value
	}
	return fallback
}
