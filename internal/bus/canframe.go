package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/canbridge/internal/protocol/frame"
)

// Linux struct can_frame: id (host order), dlc, 3 pad bytes, 8 data bytes.
const (
	canFrameSize = 16

	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canSFFMask = 0x000007FF
	canEFFMask = 0x1FFFFFFF
)

func marshalCANFrame(f frame.Frame) [canFrameSize]byte {
	var raw [canFrameSize]byte
	id := f.ID
	if f.Extended {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	binary.NativeEndian.PutUint32(raw[0:4], id)
	n := copy(raw[8:], f.Data[:min(int(f.Len), len(f.Data), frame.MaxDataLen)])
	raw[4] = uint8(n)
	return raw
}

// unmarshalCANFrame decodes a kernel frame. ok is false for error and
// remote-request frames, which are not relayed.
func unmarshalCANFrame(raw []byte) (f frame.Frame, ok bool, err error) {
	if len(raw) < canFrameSize {
		return frame.Frame{}, false, fmt.Errorf("bus: short can_frame: %d bytes", len(raw))
	}
	id := binary.NativeEndian.Uint32(raw[0:4])
	if id&(canERRFlag|canRTRFlag) != 0 {
		return frame.Frame{}, false, nil
	}
	n := int(raw[4])
	if n > frame.MaxDataLen {
		n = frame.MaxDataLen
	}
	extended := id&canEFFFlag != 0
	if extended {
		id &= canEFFMask
	} else {
		id &= canSFFMask
	}
	data := make([]byte, n)
	copy(data, raw[8:8+n])
	return frame.Frame{ID: id, Extended: extended, Len: uint8(n), Data: data}, true, nil
}
