package resp

import (
	"bytes"
	"testing"
)

// FuzzParse ensures the parser never panics and that whatever it accepts
// survives a serialize/parse cycle unchanged.
func FuzzParse(f *testing.F) {
	for _, fr := range sampleFrames() {
		f.Add(Append(nil, fr))
	}
	f.Add([]byte("X\r\n"))
	f.Add([]byte("*3\r\n$4\r\nPING\r\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var c Codec
		fr, consumed, err := c.Parse(data)
		if err != nil {
			return
		}
		if consumed <= 0 || consumed > len(data) {
			t.Fatalf("consumed %d of %d", consumed, len(data))
		}
		wire := Append(nil, fr)
		again, n, err := c.Parse(wire)
		if err != nil || n != len(wire) {
			t.Fatalf("reparse: %v consumed=%d/%d", err, n, len(wire))
		}
		if !again.Equal(fr) {
			t.Fatalf("frame changed across serialize/parse cycle")
		}
	})
}

// FuzzRoundTripBulk ensures arbitrary payload bytes survive intact.
func FuzzRoundTripBulk(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte("\r\n\x00"))
	f.Fuzz(func(t *testing.T, payload []byte) {
		var c Codec
		wire := Append(nil, Bulk(payload))
		fr, consumed, err := c.Parse(wire)
		if err != nil || consumed != len(wire) {
			t.Fatalf("parse: %v consumed=%d", err, consumed)
		}
		if !bytes.Equal(fr.Bulk, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}
