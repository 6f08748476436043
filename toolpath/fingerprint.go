package toolpath

import (
	"fmt"
	"strconv"

	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Fingerprint is a CRC-16 (XMODEM) over the filled table, used to tell
// prints of the same program apart from edited ones in logs and status
func (s *Store) Fingerprint() string {
	sum := crcTable.InitCrc()
	for _, c := range s.channels {
		sum = crcTable.UpdateCrc(sum, []byte(c))
	}
	buf := make([]byte, 0, 128)
	for _, p := range s.points {
		buf = buf[:0]
		buf = strconv.AppendInt(buf, p.Line, 10)
		for _, f := range []float64{p.Pos.X, p.Pos.Y, p.Pos.Z, p.Speed} {
			buf = append(buf, ',')
			buf = strconv.AppendFloat(buf, f, 'g', -1, 64)
		}
		for k := range p.Before {
			buf = append(buf, ',')
			buf = strconv.AppendFloat(buf, p.Before[k], 'g', -1, 64)
			buf = append(buf, ',')
			buf = strconv.AppendFloat(buf, p.After[k], 'g', -1, 64)
		}
		sum = crcTable.UpdateCrc(sum, buf)
	}
	return fmt.Sprintf("%04X", crcTable.CRC16(sum))
}
