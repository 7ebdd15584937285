package issue

import "encoding/base32"

// crockfordBase32 is a sortable base32 alphabet (digits before letters),
// adapted from the teacher's ticket.GenerateID.
const crockfordBase32 = "0123456789abcdefghjkmnpqrstvwxyz"

var crockfordEncoding = base32.NewEncoding(crockfordBase32).WithPadding(base32.NoPadding)

const idTimestampBytes = 4

// GenerateID returns a lexicographically sortable issue id: a
// base32-encoded Unix-seconds timestamp, same technique as the teacher's
// ticket IDs but fed nowMs explicitly rather than reading the clock
// directly, so id generation stays deterministic and testable.
func GenerateID(nowMs int64) string {
	sec := nowMs / 1000

	buf := make([]byte, idTimestampBytes)
	for i := idTimestampBytes - 1; i >= 0; i-- {
		buf[i] = byte(sec & 0xFF)
		sec >>= 8
	}

	return crockfordEncoding.EncodeToString(buf)
}
