package api

// ServerOptions bounds request bodies and controls response compression.
type ServerOptions struct {
	// MaxRequestSize caps the body as sent on the wire, compressed or not.
	MaxRequestSize int64
	// MaxDecompressedSize caps a gzip body after inflation.
	MaxDecompressedSize int64
	// CompressionEnabled gzips responses for clients that accept it.
	CompressionEnabled bool
	// CompressionThreshold is the smallest response that gets compressed.
	CompressionThreshold int64
}

// DefaultServerOptions returns 1MB/4MB body limits and compression above 1KB.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       1 << 20,
		MaxDecompressedSize:  4 << 20,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
	}
}

// ServerOption configures a ServerOptions.
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
