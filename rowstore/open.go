package rowstore

// Options selects the row store instantiation
type Options struct {
	Path          string // File path or ":memory:"
	BusyTimeoutMS int
	Async         bool
	QueueSize     int
}

// Open returns the synchronous or message passing executor.
func Open(opts Options) (Executor, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	if opts.Async {
		return OpenAsync(opts.Path, opts.BusyTimeoutMS, opts.QueueSize)
	}
	return OpenSQLite(opts.Path, opts.BusyTimeoutMS)
}
