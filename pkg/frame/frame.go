// Package frame implements the wire format for screen updates: full
// frames, dirty-region updates, and chunked frames with reassembly.
//
// Wire format (byte 0 of a binary transport message):
//
//	'{' (0x7B)          control message, JSON — not a frame
//	0x02, length > 9    dirty region: x, y, w, h as little-endian u16
//	                    at bytes 1..8, JPEG bytes after
//	0xFF, byte 1 != 0xD8, length > 3
//	                    chunk: byte 1 = index, byte 2 = total, data after
//	anything else       full frame, the whole message is the encoded image
//
// A raw JPEG begins 0xFF 0xD8, which is why a chunk's second byte must
// not be 0xD8: a single-message JPEG is always a full frame. The rule
// costs one index value, so chunk indexes at or above 0xD8 (216) are
// shifted up by one on the wire; 0xD8 never appears as byte 1 of a
// chunk and all 255 chunk positions stay addressable.
package frame

import (
	"fmt"
)

// Markers for the non-JPEG message types.
const (
	markerRegion = 0x02
	markerChunk  = 0xFF

	regionHeaderLen = 9
	chunkHeaderLen  = 3

	jpegSOI2 = 0xD8 // second byte of the JPEG start-of-image marker
)

// DefaultMaxMessage is the default per-message size cap, chosen to stay
// safely under the 64 KB SCTP data-channel message limit.
const DefaultMaxMessage = 60000

// Kind discriminates decoded messages.
type Kind int

const (
	KindControl Kind = iota // JSON control/input message, not a frame
	KindFull                // complete encoded image
	KindRegion              // dirty-region update
	KindChunk               // one chunk of a chunked full frame
	KindInvalid             // too short to be anything valid
)

// Region is a decoded dirty-region update. X, Y, Width and Height are
// pixel offsets within the canvas established by the last full frame.
type Region struct {
	X, Y          uint16
	Width, Height uint16
	Image         []byte
}

// Chunk is one decoded piece of a chunked full frame.
type Chunk struct {
	Index int
	Total int
	Data  []byte
}

// Message is the result of classifying one transport message. Exactly
// one of the payload fields is meaningful, selected by Kind.
type Message struct {
	Kind   Kind
	Image  []byte // KindFull
	Region Region // KindRegion
	Chunk  Chunk  // KindChunk
	Raw    []byte // KindControl: the original JSON bytes
}

// Classify inspects one transport message and decodes its frame header.
// It never fails on malformed input: messages too short for their
// claimed type come back as KindInvalid and should be ignored.
func Classify(msg []byte) Message {
	if len(msg) == 0 {
		return Message{Kind: KindInvalid}
	}

	if msg[0] == '{' {
		return Message{Kind: KindControl, Raw: msg}
	}

	if msg[0] == markerRegion && len(msg) > regionHeaderLen {
		return Message{
			Kind: KindRegion,
			Region: Region{
				X:      leU16(msg[1], msg[2]),
				Y:      leU16(msg[3], msg[4]),
				Width:  leU16(msg[5], msg[6]),
				Height: leU16(msg[7], msg[8]),
				Image:  msg[regionHeaderLen:],
			},
		}
	}

	if msg[0] == markerChunk && len(msg) > chunkHeaderLen && msg[1] != jpegSOI2 {
		return Message{
			Kind: KindChunk,
			Chunk: Chunk{
				Index: decodeChunkIndex(msg[1]),
				Total: int(msg[2]),
				Data:  msg[chunkHeaderLen:],
			},
		}
	}

	return Message{Kind: KindFull, Image: msg}
}

// EncodeRegion builds a dirty-region message. The coordinates are
// written little-endian; values above 65535 are a caller error and are
// truncated to 16 bits.
func EncodeRegion(x, y, w, h uint16, image []byte) []byte {
	out := make([]byte, regionHeaderLen+len(image))
	out[0] = markerRegion
	out[1], out[2] = byte(x), byte(x>>8)
	out[3], out[4] = byte(y), byte(y>>8)
	out[5], out[6] = byte(w), byte(w>>8)
	out[7], out[8] = byte(h), byte(h>>8)
	copy(out[regionHeaderLen:], image)
	return out
}

// EncodeFrame splits an encoded image into transport messages no larger
// than maxMessage bytes. Images that fit in one message are passed
// through untouched (the receiver sees a raw JPEG and treats it as a
// full frame); larger images become a sequence of chunk messages.
//
// A frame that would need more than 255 chunks is a caller error.
func EncodeFrame(image []byte, maxMessage int) ([][]byte, error) {
	if maxMessage <= chunkHeaderLen {
		return nil, fmt.Errorf("frame: max message size %d too small", maxMessage)
	}
	if len(image) <= maxMessage {
		return [][]byte{image}, nil
	}

	chunkSize := maxMessage - chunkHeaderLen
	total := (len(image) + chunkSize - 1) / chunkSize
	if total > 255 {
		return nil, fmt.Errorf("frame: %d bytes needs %d chunks, limit is 255", len(image), total)
	}

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := make([]byte, chunkHeaderLen+end-start)
		chunk[0] = markerChunk
		chunk[1] = encodeChunkIndex(i)
		chunk[2] = byte(total)
		copy(chunk[chunkHeaderLen:], image[start:end])
		out = append(out, chunk)
	}
	return out, nil
}

// encodeChunkIndex maps a chunk index onto its wire byte, skipping the
// JPEG start-of-image byte that Classify reserves for raw images.
func encodeChunkIndex(i int) byte {
	if i >= int(jpegSOI2) {
		return byte(i + 1)
	}
	return byte(i)
}

func decodeChunkIndex(b byte) int {
	if b > jpegSOI2 {
		return int(b) - 1
	}
	return int(b)
}

func leU16(lo, hi byte) uint16 {
	return uint16(lo) | uint16(hi)<<8
}
