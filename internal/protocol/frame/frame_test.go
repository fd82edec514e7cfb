package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLightingControlWireBytes(t *testing.T) {
	in := Frame{ID: 0x110, Len: 3, Data: []byte{1, 0, 0}}
	want := []byte{0x00, 0x00, 0x01, 0x10, 0x03, 0x01, 0x00, 0x00}

	got := Encode(in)
	require.Equal(t, want, got)

	var d Decoder
	frames, err := d.Decode(got)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, in.ID, frames[0].ID)
	assert.Equal(t, in.Len, frames[0].Len)
	assert.Equal(t, in.Data, frames[0].Data)
	assert.False(t, frames[0].Extended)
	assert.Zero(t, d.Buffered())
}

func TestEncodeClampsOversizedLength(t *testing.T) {
	in := Frame{ID: 0x123, Len: 12, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}
	got := Encode(in)
	require.Len(t, got, HeaderLen+MaxDataLen)
	assert.Equal(t, byte(MaxDataLen), got[4])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got[HeaderLen:])
}

func TestDecodeChunkingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var in []Frame
	var stream []byte
	for i := 0; i < 64; i++ {
		n := rng.Intn(MaxDataLen + 1)
		data := make([]byte, n)
		rng.Read(data)
		id := uint32(rng.Intn(MaxExtendedID))
		if i%3 == 0 {
			id &= MaxStandardID
		}
		f := New(id, data)
		in = append(in, f)
		stream = AppendEncode(stream, f)
	}

	chunkings := map[string]func([]byte) [][]byte{
		"whole": func(b []byte) [][]byte { return [][]byte{b} },
		"bytewise": func(b []byte) [][]byte {
			out := make([][]byte, 0, len(b))
			for i := range b {
				out = append(out, b[i:i+1])
			}
			return out
		},
		"random": func(b []byte) [][]byte {
			var out [][]byte
			for len(b) > 0 {
				n := 1 + rng.Intn(17)
				if n > len(b) {
					n = len(b)
				}
				out = append(out, b[:n])
				b = b[n:]
			}
			return out
		},
	}

	for name, split := range chunkings {
		t.Run(name, func(t *testing.T) {
			var d Decoder
			var got []Frame
			for _, chunk := range split(stream) {
				frames, err := d.Decode(chunk)
				require.NoError(t, err)
				got = append(got, frames...)
			}
			require.Len(t, got, len(in))
			for i := range in {
				assert.Equal(t, in[i].ID, got[i].ID, "frame %d", i)
				assert.Equal(t, in[i].Extended, got[i].Extended, "frame %d", i)
				assert.Equal(t, in[i].Len, got[i].Len, "frame %d", i)
				assert.Equal(t, in[i].Data, got[i].Data, "frame %d", i)
			}
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestDecodeRetainsPartialHeader(t *testing.T) {
	var d Decoder
	wire := Encode(New(0x125, []byte{50, 60}))

	frames, err := d.Decode(wire[:3])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 3, d.Buffered())

	frames, err = d.Decode(wire[3:6])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.Decode(wire[6:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x125), frames[0].ID)
}

func TestDecodeProtocolViolationDiscardsBuffer(t *testing.T) {
	var d Decoder
	good := Encode(New(0xAC2, []byte{1}))
	bad := []byte{0x00, 0x00, 0x0A, 0xC1, 0x09, 1, 2, 3}
	trailing := Encode(New(0xAC1, []byte{1, 2, 3}))

	chunk := append(append(append([]byte{}, good...), bad...), trailing...)
	frames, err := d.Decode(chunk)
	require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0xAC2), frames[0].ID)
	assert.Zero(t, d.Buffered())
}

func TestDecodeResetDropsPartialFrame(t *testing.T) {
	var d Decoder
	_, err := d.Decode([]byte{0, 0, 1})
	require.NoError(t, err)
	d.Reset()
	assert.Zero(t, d.Buffered())

	frames, err := d.Decode(Encode(New(0x111, []byte{1, 0, 0})))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x111), frames[0].ID)
}

type shortWriter struct {
	buf bytes.Buffer
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.buf.Write(p)
}

func TestWriteFrameCompletesPartialWrites(t *testing.T) {
	w := &shortWriter{max: 2}
	f := New(0x125, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, WriteFrame(w, f))
	assert.Equal(t, Encode(f), w.buf.Bytes())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New(0x7FF, []byte{1}).Validate())
	assert.NoError(t, New(0x1FFFFFFF, nil).Validate())
	assert.ErrorIs(t, Frame{ID: 0x800, Len: 0}.Validate(), ErrInvalidID)
	assert.ErrorIs(t, Frame{ID: 0x20000000, Extended: true}.Validate(), ErrInvalidID)
	assert.ErrorIs(t, Frame{ID: 1, Len: 9, Data: make([]byte, 9)}.Validate(), ErrInvalidLen)
	assert.ErrorIs(t, Frame{ID: 1, Len: 2, Data: []byte{1}}.Validate(), ErrInvalidLen)
}

func TestNewMarksExtendedIdentifiers(t *testing.T) {
	assert.False(t, New(0x123, nil).Extended)
	assert.True(t, New(0x18FEF100, nil).Extended)
	assert.Equal(t, uint8(MaxDataLen), New(0x1, make([]byte, 12)).Len)
}
