package util

// CloseAndIgnoreError closes the resource and discards the error, for
// defer sites where a failed close changes nothing.
func CloseAndIgnoreError(closer interface{ Close() error }) {
	_ = closer.Close()
}
