package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const packVersion = 1

// Hop-by-hop headers must not be stored or replayed (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Entry is a stored response: status, end-to-end headers, body and
// the time it was stored.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// NewEntry builds an Entry from a received response and its fully
// read body. Hop-by-hop headers are dropped, body is copied.
func NewEntry(resp *http.Response, body []byte) *Entry {
	h := make(http.Header, len(resp.Header))
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}

	b := make([]byte, len(body))
	copy(b, body)

	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     h,
		Body:       b,
		StoredAt:   time.Now(),
	}
}

// Write replays the entry to w.
func (e *Entry) Write(w http.ResponseWriter) error {
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(e.StatusCode)
	_, err := w.Write(e.Body)
	return err
}

// Pack serializes the entry to a flat byte slice:
//
//	u8  format version
//	i64 stored time (unix seconds)
//	u16 status code
//	u16 header pair count, then per pair: u16 key len, key,
//	    u32 value len, value
//	rest: body
func (e *Entry) Pack() []byte {
	size := 1 + 8 + 2 + 2
	pairs := 0
	for k, vs := range e.Header {
		for _, v := range vs {
			size += 2 + len(k) + 4 + len(v)
			pairs++
		}
	}
	size += len(e.Body)

	b := make([]byte, 0, size)
	b = append(b, packVersion)
	b = binary.BigEndian.AppendUint64(b, uint64(e.StoredAt.Unix()))
	b = binary.BigEndian.AppendUint16(b, uint16(e.StatusCode))
	b = binary.BigEndian.AppendUint16(b, uint16(pairs))
	for k, vs := range e.Header {
		for _, v := range vs {
			b = binary.BigEndian.AppendUint16(b, uint16(len(k)))
			b = append(b, k...)
			b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
			b = append(b, v...)
		}
	}
	b = append(b, e.Body...)
	return b
}

// Unpack deserializes an entry packed by Pack.
func Unpack(b []byte) (*Entry, error) {
	if len(b) < 13 {
		return nil, errors.New("packed entry too short")
	}
	if b[0] != packVersion {
		return nil, fmt.Errorf("unknown entry format version %d", b[0])
	}
	storedAt := time.Unix(int64(binary.BigEndian.Uint64(b[1:9])), 0)
	status := int(binary.BigEndian.Uint16(b[9:11]))
	pairs := int(binary.BigEndian.Uint16(b[11:13]))

	off := 13
	h := make(http.Header, pairs)
	for i := 0; i < pairs; i++ {
		if off+2 > len(b) {
			return nil, errors.New("truncated header key length")
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+klen > len(b) {
			return nil, errors.New("truncated header key")
		}
		k := string(b[off : off+klen])
		off += klen

		if off+4 > len(b) {
			return nil, errors.New("truncated header value length")
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+vlen > len(b) {
			return nil, errors.New("truncated header value")
		}
		h[k] = append(h[k], string(b[off:off+vlen]))
		off += vlen
	}

	body := make([]byte, len(b)-off)
	copy(body, b[off:])

	return &Entry{
		StatusCode: status,
		Header:     h,
		Body:       body,
		StoredAt:   storedAt,
	}, nil
}
