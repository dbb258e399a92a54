package symcache

// Option configures a Reader.
type Option func(*options)

// Options for controlling how a cache buffer is opened
type options struct {
	crc bool // Verify section checksums on open
}

// WithCRC enables CRC verification of all sections when opening a
// cache buffer.
func WithCRC() Option {
	return func(o *options) {
		o.crc = true
	}
}
