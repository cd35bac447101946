package protocol

import (
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{Sequence: 42, SendTimestamp: 1724800000.123456}

	buf, err := EncodeRequest(req, 1000)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if len(buf) != 1000 {
		t.Fatalf("Expected datagram of 1000 bytes, got %d", len(buf))
	}

	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Sequence != req.Sequence {
		t.Errorf("Sequence mismatch: got %d, want %d", decoded.Sequence, req.Sequence)
	}
	if decoded.SendTimestamp != req.SendTimestamp {
		t.Errorf("SendTimestamp mismatch: got %v, want %v", decoded.SendTimestamp, req.SendTimestamp)
	}

	// Padding must be zero so the datagram carries nothing but the header.
	for i := RequestHeaderLen; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("Padding byte %d is %#x, expected zero", i, buf[i])
		}
	}
}

func TestEncodeRequestRejectsTinyPacket(t *testing.T) {
	if _, err := EncodeRequest(&Request{}, MinPacketSize-1); err == nil {
		t.Fatal("Expected error for packet size below the header length")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{Sequence: 7, SendTimestamp: 100.5, ResponderTimestamp: 100.75}

	buf := EncodeResponse(resp)
	if len(buf) != ResponseHeaderLen {
		t.Fatalf("Expected %d-byte response, got %d", ResponseHeaderLen, len(buf))
	}

	decoded, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if *decoded != *resp {
		t.Errorf("Decoded response %+v does not match original %+v", decoded, resp)
	}
}

func TestShortDatagramsAreDecodeErrors(t *testing.T) {
	// A 3-byte datagram must fail header parsing on both sides.
	garbage := []byte{0x01, 0x02, 0x03}

	if _, err := DecodeRequest(garbage); err == nil {
		t.Error("DecodeRequest accepted a 3-byte datagram")
	}
	if _, err := DecodeResponse(garbage); err == nil {
		t.Error("DecodeResponse accepted a 3-byte datagram")
	}
	if _, err := DecodeResponse(make([]byte, RequestHeaderLen)); err == nil {
		t.Error("DecodeResponse accepted a 16-byte datagram, need 24")
	}
}
