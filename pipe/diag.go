package pipe

import (
	"github.com/scalenet/spcore/internal/jsonutil"
)

// DumpStats renders a snapshot of the socket's active pipes as a JSON array,
// one object per pipe, using the same low-allocation append-style encoding
// internal/jsonutil provides for the wire-JSON boundary elsewhere in this
// module. Intended for diagnostics endpoints, not for the data path.
func (s *Socket) DumpStats(dst []byte) []byte {
	dst = append(dst, '[')
	for i, p := range s.Pipes() {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = p.appendStats(dst)
	}
	return append(dst, ']')
}

func (p *Pipe) appendStats(dst []byte) []byte {
	dst = append(dst, `{"id":`...)
	dst = jsonutil.U64(dst, uint64(p.ID))
	dst = append(dst, `,"closed":`...)
	dst = jsonutil.Bool(dst, p.closed.Load())
	dst = append(dst, `,"msgs_sent":`...)
	dst = jsonutil.U64(dst, uint64(p.Stats.MsgsSent.Load()))
	dst = append(dst, `,"msgs_recv":`...)
	dst = jsonutil.U64(dst, uint64(p.Stats.MsgsRecv.Load()))
	dst = append(dst, `,"bytes_sent":`...)
	dst = jsonutil.U64(dst, uint64(p.Stats.BytesSent.Load()))
	dst = append(dst, `,"bytes_recv":`...)
	dst = jsonutil.U64(dst, uint64(p.Stats.BytesRecv.Load()))
	dst = append(dst, `,"reject":`...)
	dst = jsonutil.U64(dst, uint64(p.Stats.Reject.Load()))
	return append(dst, '}')
}

// LoadStatsFilter parses a JSON object of the form {"min_msgs_sent": N} from
// query, used by diagnostics tooling to filter DumpStats output server-side
// without pulling in a full JSON decoder.
func LoadStatsFilter(query []byte) (minMsgsSent uint64, err error) {
	err = jsonutil.ObjectEach(query, func(key, val []byte) error {
		if jsonutil.SQ(key) == "min_msgs_sent" {
			minMsgsSent, err = jsonutil.UnU64(val)
			return err
		}
		return nil
	})
	return minMsgsSent, err
}
