package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Canonical header layout, big-endian, shared by both endpoints:
//
//	request:  sequence (8) | send_timestamp (8) | zero padding to packet size
//	response: sequence (8) | send_timestamp (8) | responder_timestamp (8)
//
// Timestamps are float64 seconds since the Unix epoch.
const (
	RequestHeaderLen  = 16
	ResponseHeaderLen = 24

	// MinPacketSize is the smallest configurable request size; a request
	// must at least carry its own header.
	MinPacketSize = RequestHeaderLen
)

// Request is the header of an originator datagram.
type Request struct {
	Sequence      uint64
	SendTimestamp float64
}

// Response is a responder datagram. It echoes the original send timestamp so
// the originator can compute RTT without any local lookup surviving a
// restart, and adds the responder's own clock reading.
type Response struct {
	Sequence           uint64
	SendTimestamp      float64
	ResponderTimestamp float64
}

// EncodeRequest writes the request header into a datagram of packetSize
// bytes. The payload beyond the header is zero padding.
func EncodeRequest(req *Request, packetSize int) ([]byte, error) {
	if packetSize < MinPacketSize {
		return nil, fmt.Errorf("packet size %d below minimum %d", packetSize, MinPacketSize)
	}
	buf := make([]byte, packetSize)
	binary.BigEndian.PutUint64(buf[0:8], req.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(req.SendTimestamp))
	return buf, nil
}

// DecodeRequest parses a request header from an inbound datagram.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < RequestHeaderLen {
		return nil, fmt.Errorf("short request datagram: %d bytes, need %d", len(data), RequestHeaderLen)
	}
	return &Request{
		Sequence:      binary.BigEndian.Uint64(data[0:8]),
		SendTimestamp: math.Float64frombits(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// EncodeResponse serializes a response. Responses carry no padding; the
// response rate is bounded by the inbound request rate, not by size.
func EncodeResponse(resp *Response) []byte {
	buf := make([]byte, ResponseHeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], resp.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(resp.SendTimestamp))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(resp.ResponderTimestamp))
	return buf
}

// DecodeResponse parses a response datagram.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < ResponseHeaderLen {
		return nil, fmt.Errorf("short response datagram: %d bytes, need %d", len(data), ResponseHeaderLen)
	}
	return &Response{
		Sequence:           binary.BigEndian.Uint64(data[0:8]),
		SendTimestamp:      math.Float64frombits(binary.BigEndian.Uint64(data[8:16])),
		ResponderTimestamp: math.Float64frombits(binary.BigEndian.Uint64(data[16:24])),
	}, nil
}
