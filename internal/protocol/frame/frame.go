package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen  = 5
	MaxDataLen = 8

	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

var (
	ErrProtocolViolation = errors.New("frame: protocol violation")
	ErrInvalidLen        = errors.New("frame: invalid data length")
	ErrInvalidID         = errors.New("frame: invalid identifier")
)

// Frame is one bus message.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     []byte
}

// New builds a frame from id and data, marking ids above the 11-bit range
// as extended. Data beyond MaxDataLen is truncated.
func New(id uint32, data []byte) Frame {
	n := len(data)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	payload := make([]byte, n)
	copy(payload, data[:n])
	return Frame{
		ID:       id,
		Extended: IsExtendedID(id),
		Len:      uint8(n),
		Data:     payload,
	}
}

// IsExtendedID reports whether id needs a 29-bit identifier on the bus.
func IsExtendedID(id uint32) bool {
	return id&^uint32(MaxStandardID) != 0
}

func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: len=%d", ErrInvalidLen, f.Len)
	}
	if len(f.Data) != int(f.Len) {
		return fmt.Errorf("%w: len=%d data=%d", ErrInvalidLen, f.Len, len(f.Data))
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("%w: 0x%x", ErrInvalidID, f.ID)
		}
	} else if f.ID > MaxStandardID {
		return fmt.Errorf("%w: 0x%x", ErrInvalidID, f.ID)
	}
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%x#% x", f.ID, f.Data)
}

// Encode returns the wire form of f: 4-byte big-endian id, 1-byte length,
// payload. Lengths above MaxDataLen are clamped.
func Encode(f Frame) []byte {
	return AppendEncode(make([]byte, 0, HeaderLen+MaxDataLen), f)
}

func AppendEncode(dst []byte, f Frame) []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	if n > len(f.Data) {
		n = len(f.Data)
	}
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], f.ID)
	hdr[4] = uint8(n)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Data[:n]...)
}

// WriteFrame writes the full encoded frame, continuing after short writes
// until every byte is written or w fails.
func WriteFrame(w io.Writer, f Frame) error {
	buf := Encode(f)
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// It is not safe for concurrent use; the reading goroutine owns it.
type Decoder struct {
	partial []byte
}

// Decode consumes chunk and returns every frame completed by it. Bytes of an
// incomplete frame are kept for the next call. A declared length above
// MaxDataLen discards the remaining buffer and returns ErrProtocolViolation
// together with the frames decoded before it.
func (d *Decoder) Decode(chunk []byte) ([]Frame, error) {
	d.partial = append(d.partial, chunk...)
	buf := d.partial

	var out []Frame
	for len(buf) >= HeaderLen {
		id := binary.BigEndian.Uint32(buf[0:4])
		n := int(buf[4])
		if n > MaxDataLen {
			d.partial = d.partial[:0]
			return out, fmt.Errorf("%w: id=0x%x declared len=%d", ErrProtocolViolation, id, n)
		}
		if len(buf) < HeaderLen+n {
			break
		}
		data := make([]byte, n)
		copy(data, buf[HeaderLen:HeaderLen+n])
		out = append(out, Frame{
			ID:       id,
			Extended: IsExtendedID(id),
			Len:      uint8(n),
			Data:     data,
		})
		buf = buf[HeaderLen+n:]
	}

	rest := copy(d.partial, buf)
	d.partial = d.partial[:rest]
	return out, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.partial)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.partial = d.partial[:0]
}
