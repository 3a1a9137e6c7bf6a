package kvrepo

// Result is the outcome of every repository operation: either a value or an
// *Error. Nothing in the repository panics across its boundary; Unwrap is the
// explicit escape hatch for callers that prefer panics.
type Result[T any] struct {
	value T
	err   *Error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail builds a failed Result, classifying err with the error taxonomy.
// A nil err is reported as a persistence failure rather than a success.
func Fail[T any](err error) Result[T] {
	e := asError(err)
	if e == nil {
		e = &Error{Kind: KindPersistence, Message: "failure without an error"}
	}
	return Result[T]{err: e}
}

func resultOf[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsFailure() bool { return r.err != nil }
func (r Result[T]) IsSuccess() bool { return r.err == nil }

// Value returns the success value, or the zero value for a failure.
func (r Result[T]) Value() T {
	return r.value
}

func (r Result[T]) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

func (r Result[T]) Failure() *Error {
	return r.err
}

func (r Result[T]) Get() (T, error) {
	return r.value, r.Err()
}

// Unwrap returns the value or panics with the *Error.
func (r Result[T]) Unwrap() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}
