package wire

import (
	"encoding/binary"
	"sort"
)

// Payload type markers carried in frame field 7.
const (
	PayloadTypeHeartbeat = "hb"
	PayloadTypeAck       = "ack"
	PayloadTypeMessage   = "msg"
	PayloadTypeClose     = "close"
)

// Wire types of the tagged envelope.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// Frame is one decoded unit of the transport envelope. Every field is
// optional on the wire; nil means absent. A Frame is immutable once
// returned from Decode.
type Frame struct {
	SeqID           *uint64
	LogID           *uint64
	Service         *uint64
	Method          *uint64
	Headers         map[string]string
	PayloadEncoding *string
	PayloadType     *string
	Payload         []byte
	SecondaryLogID  *string
}

// Empty reports whether no field at all was recovered.
func (f Frame) Empty() bool {
	return f.SeqID == nil && f.LogID == nil && f.Service == nil && f.Method == nil &&
		f.Headers == nil && f.PayloadEncoding == nil && f.PayloadType == nil &&
		f.Payload == nil && f.SecondaryLogID == nil
}

// Uint64 returns a pointer to v, for populating optional frame fields.
func Uint64(v uint64) *uint64 { return &v }

// String returns a pointer to s, for populating optional frame fields.
func String(s string) *string { return &s }

// RawField is one undecoded (tag, value) pair of the envelope
// encoding. Varint holds the value for wire type 0, Bytes for wire
// type 2, and Fixed for the 32/64-bit types.
type RawField struct {
	Number   uint64
	WireType uint64
	Varint   uint64
	Fixed    uint64
	Bytes    []byte
}

// Fields scans data tag by tag, consuming unknown field numbers per
// their wire type so later fields stay parseable. The scan stops at
// the first inconsistency (truncated varint, length past end of
// buffer) and returns the fields recovered so far. It never fails.
func Fields(data []byte) []RawField {
	var fields []RawField
	pos := 0
	for pos < len(data) {
		tag, n := readVarint(data[pos:])
		if n == 0 {
			break
		}
		pos += n
		fld := RawField{Number: tag >> 3, WireType: tag & 0x7}
		switch fld.WireType {
		case wireVarint:
			v, n := readVarint(data[pos:])
			if n == 0 {
				return fields
			}
			pos += n
			fld.Varint = v
		case wireFixed64:
			if pos+8 > len(data) {
				return fields
			}
			fld.Fixed = binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
		case wireBytes:
			raw, n := readBytes(data[pos:])
			if n == 0 {
				return fields
			}
			pos += n
			fld.Bytes = raw
		case wireFixed32:
			if pos+4 > len(data) {
				return fields
			}
			fld.Fixed = uint64(binary.LittleEndian.Uint32(data[pos : pos+4]))
			pos += 4
		default:
			return fields
		}
		fields = append(fields, fld)
	}
	return fields
}

// Decode scans data tag by tag and returns whatever fields it could
// recover. Truncated or otherwise inconsistent input stops the scan
// and yields a partial frame; Decode never fails on any byte sequence.
func Decode(data []byte) Frame {
	var f Frame
	for _, fld := range Fields(data) {
		switch {
		case fld.Number >= 1 && fld.Number <= 4 && fld.WireType == wireVarint:
			switch fld.Number {
			case 1:
				f.SeqID = Uint64(fld.Varint)
			case 2:
				f.LogID = Uint64(fld.Varint)
			case 3:
				f.Service = Uint64(fld.Varint)
			case 4:
				f.Method = Uint64(fld.Varint)
			}
		case fld.Number == 5 && fld.WireType == wireBytes:
			if key, value, ok := decodeHeaderEntry(fld.Bytes); ok {
				if f.Headers == nil {
					f.Headers = make(map[string]string)
				}
				f.Headers[key] = value
			}
		case fld.Number == 6 && fld.WireType == wireBytes:
			f.PayloadEncoding = String(string(fld.Bytes))
		case fld.Number == 7 && fld.WireType == wireBytes:
			f.PayloadType = String(string(fld.Bytes))
		case fld.Number == 8 && fld.WireType == wireBytes:
			f.Payload = append([]byte(nil), fld.Bytes...)
		case fld.Number == 9 && fld.WireType == wireBytes:
			f.SecondaryLogID = String(string(fld.Bytes))
		}
	}
	return f
}

// Encode emits only the present fields, in ascending field-number
// order so output is deterministic.
func Encode(f Frame) []byte {
	var out []byte
	if f.SeqID != nil {
		out = appendVarintField(out, 1, *f.SeqID)
	}
	if f.LogID != nil {
		out = appendVarintField(out, 2, *f.LogID)
	}
	if f.Service != nil {
		out = appendVarintField(out, 3, *f.Service)
	}
	if f.Method != nil {
		out = appendVarintField(out, 4, *f.Method)
	}
	if len(f.Headers) > 0 {
		keys := make([]string, 0, len(f.Headers))
		for k := range f.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entry := appendBytesField(nil, 1, []byte(k))
			entry = appendBytesField(entry, 2, []byte(f.Headers[k]))
			out = appendBytesField(out, 5, entry)
		}
	}
	if f.PayloadEncoding != nil {
		out = appendBytesField(out, 6, []byte(*f.PayloadEncoding))
	}
	if f.PayloadType != nil {
		out = appendBytesField(out, 7, []byte(*f.PayloadType))
	}
	if f.Payload != nil {
		out = appendBytesField(out, 8, f.Payload)
	}
	if f.SecondaryLogID != nil {
		out = appendBytesField(out, 9, []byte(*f.SecondaryLogID))
	}
	return out
}

// Heartbeat builds the periodic keep-alive frame the transport sends.
func Heartbeat() []byte {
	return Encode(Frame{PayloadType: String(PayloadTypeHeartbeat)})
}

// Ack builds an acknowledgement frame carrying the server's
// correlation token. A zero logID is omitted from the frame.
func Ack(internalExt string, logID uint64) []byte {
	f := Frame{
		PayloadType: String(PayloadTypeAck),
		Payload:     []byte(internalExt),
	}
	if logID != 0 {
		f.LogID = Uint64(logID)
	}
	return Encode(f)
}

func decodeHeaderEntry(entry []byte) (key, value string, ok bool) {
	var haveKey, haveValue bool
	for _, fld := range Fields(entry) {
		if fld.WireType != wireBytes {
			continue
		}
		switch fld.Number {
		case 1:
			key, haveKey = string(fld.Bytes), true
		case 2:
			value, haveValue = string(fld.Bytes), true
		}
	}
	return key, value, haveKey && haveValue
}

// readVarint decodes a varint from the start of data. It returns the
// value and the number of bytes consumed; zero consumed means the
// input was truncated.
func readVarint(data []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		if shift < 64 {
			v |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
		if shift >= 70 {
			return 0, 0
		}
	}
	return 0, 0
}

// readBytes decodes a length-delimited value, returning the raw value
// and total bytes consumed (length prefix included).
func readBytes(data []byte) ([]byte, int) {
	length, n := readVarint(data)
	if n == 0 {
		return nil, 0
	}
	end := uint64(n) + length
	if length > uint64(len(data)) || end > uint64(len(data)) {
		return nil, 0
	}
	return data[n:end], int(end)
}

func appendVarint(out []byte, v uint64) []byte {
	for v > 0x7f {
		out = append(out, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

func appendVarintField(out []byte, fieldNo uint64, v uint64) []byte {
	out = appendVarint(out, fieldNo<<3|wireVarint)
	return appendVarint(out, v)
}

func appendBytesField(out []byte, fieldNo uint64, raw []byte) []byte {
	out = appendVarint(out, fieldNo<<3|wireBytes)
	out = appendVarint(out, uint64(len(raw)))
	return append(out, raw...)
}
