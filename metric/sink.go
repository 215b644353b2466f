package metric

// Sink is an output target for records.
//
// Write delivers one record and reports whether it succeeded. Implementations
// never return errors from Write: failures are logged by the sink itself and
// the caller moves on to the next sink.
type Sink interface {
	Write(r Record) bool
	Name() string
	Close() error
}
