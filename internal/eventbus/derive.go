package eventbus

// Derived is a transformation stage over a Bus. Each subscription registers
// its own listener on the source, so subscribing never starts or stops the
// source and detaching one subscriber leaves the others attached.
type Derived[T, U any] struct {
	source *Bus[T]
	fn     func(T) (U, bool)
}

// Derive returns a stream of fn applied to every value of source. Values for
// which fn reports false are dropped.
func Derive[T, U any](source *Bus[T], fn func(T) (U, bool)) *Derived[T, U] {
	return &Derived[T, U]{source: source, fn: fn}
}

// Subscribe attaches a subscriber to the derived stream.
func (d *Derived[T, U]) Subscribe() *Subscription[U] {
	return attach(d.source, d.fn)
}

var (
	_ Stream[int] = (*Bus[int])(nil)
	_ Stream[int] = (*Derived[string, int])(nil)
)
