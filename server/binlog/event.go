package binlog

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"
)

// Magic is the 4-byte constant that opens every log file (spec §6).
var Magic = [4]byte{0xFE, 0x62, 0x69, 0x6E}

// HeaderLen is the fixed 19-byte event header: timestamp(4) type(1)
// server-id(4) total-length(4) end-log-pos(4) flags(2).
const HeaderLen = 19

// ChecksumLen is the trailing xxhash64 footer appended to every event,
// covering header||payload (spec §3).
const ChecksumLen = 8

// FlagsOffset is FLAGS_OFFSET past the start of the format-description
// event's header (spec §6): where the IN_USE bit lives.
const FlagsOffset = HeaderLen - 2

// IN_USE is bit 0x01 of the flags field.
const FlagInUse uint16 = 0x01

type EventType byte

const (
	EventFormatDescription EventType = iota + 1
	EventQuery
	EventXID
	EventRotate
	EventStop
	EventIncident
	EventSavepoint
	EventRollbackTo
)

// Header is the fixed part of every event.
type Header struct {
	Timestamp  uint32
	Type       EventType
	ServerID   uint32
	TotalLen   uint32 // header + payload + checksum
	EndLogPos  uint32 // absolute offset of the byte following this event
	Flags      uint16
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(b[0:4], h.Timestamp)
	b[4] = byte(h.Type)
	binary.BigEndian.PutUint32(b[5:9], h.ServerID)
	binary.BigEndian.PutUint32(b[9:13], h.TotalLen)
	binary.BigEndian.PutUint32(b[13:17], h.EndLogPos)
	binary.BigEndian.PutUint16(b[17:19], h.Flags)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Timestamp: binary.BigEndian.Uint32(b[0:4]),
		Type:      EventType(b[4]),
		ServerID:  binary.BigEndian.Uint32(b[5:9]),
		TotalLen:  binary.BigEndian.Uint32(b[9:13]),
		EndLogPos: binary.BigEndian.Uint32(b[13:17]),
		Flags:     binary.BigEndian.Uint16(b[17:19]),
	}
}

// Event is a fully materialized header+payload pair, used when building
// events for the session cache (end_log_pos is relative at this point,
// per §4.A) or when a reader parses one off disk.
type Event struct {
	Header  Header
	Payload []byte
}

// Encode serializes the event as header || payload || checksum, with
// the checksum covering header || payload as they stand at the moment
// of encoding. For events written directly to the log file (the
// format-description event, ROTATE) EndLogPos is already absolute, so
// this checksum is final. For events built for the session cache
// EndLogPos is still relative (§4.A), so this checksum is provisional:
// RewriteEndLogPos recomputes and overwrites it once EndLogPos is
// rewritten to absolute during cache->log copy (spec §3/§4.A).
func (e *Event) Encode() []byte {
	h := e.Header
	h.TotalLen = uint32(HeaderLen + len(e.Payload) + ChecksumLen)
	hdrBytes := h.encode()
	buf := make([]byte, 0, h.TotalLen)
	buf = append(buf, hdrBytes...)
	buf = append(buf, e.Payload...)
	sum := xxhash.Checksum64(buf)
	var sumBytes [ChecksumLen]byte
	binary.BigEndian.PutUint64(sumBytes[:], sum)
	buf = append(buf, sumBytes[:]...)
	return buf
}

// VerifyChecksum recomputes the header||payload checksum and compares
// it against the trailing ChecksumLen bytes of raw (a full header ||
// payload || checksum record).
func VerifyChecksum(raw []byte) bool {
	if len(raw) < HeaderLen+ChecksumLen {
		return false
	}
	body := raw[:len(raw)-ChecksumLen]
	want := binary.BigEndian.Uint64(raw[len(raw)-ChecksumLen:])
	return xxhash.Checksum64(body) == want
}

// NewEvent builds an event with EndLogPos left relative to the
// enclosing transaction group, to be rewritten by RewriteEndLogPos
// during cache->log copy (§4.A).
func NewEvent(typ EventType, serverID uint32, relativeEndPos uint32, payload []byte) *Event {
	return &Event{
		Header: Header{
			Timestamp: uint32(time.Now().Unix()),
			Type:      typ,
			ServerID:  serverID,
			EndLogPos: relativeEndPos,
			Flags:     0,
		},
		Payload: payload,
	}
}

// FormatDescriptionEvent is the event immediately following Magic in
// every log file; its Flags field (at FlagsOffset within its header)
// carries IN_USE, cleared at clean close (spec §3, §6).
func FormatDescriptionEvent(serverID uint32, createdAt time.Time) *Event {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 1) // version
	binary.BigEndian.PutUint32(payload[4:8], uint32(createdAt.Unix()))
	return &Event{
		Header: Header{
			Timestamp: uint32(createdAt.Unix()),
			Type:      EventFormatDescription,
			ServerID:  serverID,
			Flags:     FlagInUse,
		},
		Payload: payload,
	}
}

// ReadEvent parses exactly one framed event (header || payload ||
// checksum) from r, returning io.EOF when r is exhausted before any
// bytes of a new event are read. It is used by the recovery scanner
// (§4.H) and by any component that needs to walk a log file
// sequentially from the magic onward.
func ReadEvent(r io.Reader) (*Event, []byte, error) {
	hdrBytes := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, errors.Annotate(err, "reading event header")
	}
	hdr := decodeHeader(hdrBytes)
	if hdr.TotalLen < HeaderLen+ChecksumLen {
		return nil, nil, errors.Errorf("event total length %d too small", hdr.TotalLen)
	}
	rest := make([]byte, hdr.TotalLen-HeaderLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, errors.Annotate(err, "reading event body")
	}
	payload := rest[:len(rest)-ChecksumLen]
	raw := append(append([]byte(nil), hdrBytes...), rest...)
	return &Event{Header: hdr, Payload: payload}, raw, nil
}

// RewriteEndLogPos streams encoded events from r, rewriting each
// header's EndLogPos by adding groupBase (the log file's write offset
// when the copy began), recomputing the checksum trailer over the
// rewritten header || payload, and writes the corrected bytes to w. It
// handles headers split across read chunks by buffering the partial
// header until enough bytes are available, per §4.A / §9. No payload
// byte is ever modified, only re-checksummed alongside its header.
func RewriteEndLogPos(r io.Reader, w io.Writer, groupBase uint32) error {
	var pending []byte
	chunk := make([]byte, 4096)

	readHeader := func() ([]byte, error) {
		for len(pending) < HeaderLen {
			n, err := r.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
			}
			if err != nil {
				if err == io.EOF && len(pending) == 0 {
					return nil, io.EOF
				}
				if err == io.EOF {
					return nil, errors.Errorf("truncated event header: got %d of %d bytes", len(pending), HeaderLen)
				}
				return nil, errors.Annotate(err, "reading event header")
			}
		}
		h := append([]byte(nil), pending[:HeaderLen]...)
		pending = pending[HeaderLen:]
		return h, nil
	}

	for {
		hdrBytes, err := readHeader()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		hdr := decodeHeader(hdrBytes)
		hdr.EndLogPos += groupBase
		rewritten := hdr.encode()

		remaining := int(hdr.TotalLen) - HeaderLen
		if remaining < ChecksumLen {
			return errors.Errorf("event total length %d shorter than header+checksum", hdr.TotalLen)
		}

		for len(pending) < remaining {
			n, err := r.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
			}
			if err != nil {
				if err == io.EOF {
					return errors.Errorf("truncated event body: got %d of %d bytes", len(pending), remaining)
				}
				return errors.Annotate(err, "reading event body")
			}
		}
		payload := pending[:remaining-ChecksumLen]
		pending = pending[remaining:]

		sum := xxhash.Checksum64(append(append([]byte(nil), rewritten...), payload...))
		var sumBytes [ChecksumLen]byte
		binary.BigEndian.PutUint64(sumBytes[:], sum)

		if _, err := w.Write(rewritten); err != nil {
			return errors.Annotate(err, "writing rewritten header")
		}
		if _, err := w.Write(payload); err != nil {
			return errors.Annotate(err, "writing event payload")
		}
		if _, err := w.Write(sumBytes[:]); err != nil {
			return errors.Annotate(err, "writing event checksum")
		}
	}
}
