package checkpoints

import "github.com/gomlx/exceptions"

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format. Files are written without header.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// Option configures a Store.
type Option func(s *Store)

// WithCompression defines the compression format of the checkpoint files. The default mode is BinGZIP.
func WithCompression(bf BinFormat) Option {
	return func(s *Store) {
		s.binFormat = bf
		if bf != BinGZIP && bf != BinUncompressed {
			s.binFormat = BinGZIP
		}
	}
}

// WithKeep configures the number of checkpoint files to keep: after each Save the ones with the lowest
// milestones are removed. If set to -1 (the default), it never erases older checkpoints.
//
// It panics if n is 0 or lower than -1: a store that keeps no checkpoint would remove each one right after
// writing it.
func WithKeep(n int) Option {
	if n == 0 || n < -1 {
		exceptions.Panicf("checkpoints.WithKeep(%d): n must be -1 (keep all) or >= 1", n)
	}
	return func(s *Store) {
		s.keep = n
	}
}
