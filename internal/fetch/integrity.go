package fetch

import (
	"bytes"
	"errors"
	"fmt"

	mp4 "github.com/abema/go-mp4"
)

// ErrTruncatedBox is returned by CheckISOBMFFIntegrity when a top-level box
// header claims more bytes than the buffer actually holds.
var ErrTruncatedBox = errors.New("fetch: truncated ISOBMFF box")

// CheckISOBMFFIntegrity walks the top-level boxes of a completed segment
// buffer with go-mp4's box reader and verifies every moof is followed by a
// matching mdat with no box truncated (spec §4.6.2). It's the same
// complete-fragment check tvarr's fmp4 demuxer performs before handing
// samples to its decoder, there via mediacommon's fmp4.Init (itself built
// on go-mp4); here it runs once over a buffered whole segment rather than
// incrementally over a streaming one, and doesn't expand box children since
// only top-level moof/mdat pairing and box-size bounds matter here.
func CheckISOBMFFIntegrity(data []byte) error {
	sawMoof := false
	_, err := mp4.ReadBoxStructure(bytes.NewReader(data), func(h *mp4.ReadHandle) (interface{}, error) {
		if h.BoxInfo.Offset+h.BoxInfo.Size > uint64(len(data)) {
			return nil, errors.New("fetch: box extends past end of buffer")
		}
		switch h.BoxInfo.Type.String() {
		case "moof":
			sawMoof = true
		case "mdat":
			if !sawMoof {
				return nil, errors.New("fetch: mdat without preceding moof")
			}
			sawMoof = false
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedBox, err)
	}
	if sawMoof {
		return errors.New("fetch: moof without following mdat")
	}
	return nil
}
