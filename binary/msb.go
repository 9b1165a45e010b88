// Package binary provides the big-endian byte order spcore uses for its
// wire-format length prefixes.
package binary

import "encoding/binary"

// Msb is the big-endian byte order used throughout spcore's wire formats
// (the SP framing length prefix, the message pool's WriteTo encoding).
var Msb = binary.BigEndian
