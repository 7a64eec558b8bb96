// Package mdb encodes and decodes the subset of the MDB/ICP cashless device
// protocol used to talk to a vending machine controller over a serial line.
package mdb

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Command bytes sent to the vending machine controller.
const (
	CmdReset     byte = 0x00
	CmdSetup     byte = 0x01
	CmdPoll      byte = 0x02
	CmdVend      byte = 0x03
	CmdReader    byte = 0x04
	CmdRevalue   byte = 0x05
	CmdExpansion byte = 0x07
)

// Sub-commands carried as the first data byte.
const (
	VendDeny         byte = 0x00
	VendApprove      byte = 0x01
	ReaderSessionEnd byte = 0x04
)

// ACK is the single byte acknowledgement.
const ACK byte = 0x00

// Poll response codes, after masking the mode bit.
const (
	respVendRequest     byte = 0x01
	respSessionBegin    byte = 0x02
	respSessionCancel   byte = 0x03
	respSessionComplete byte = 0x04
)

var (
	ErrShortFrame  = errors.New("mdb: frame too short")
	ErrBadChecksum = errors.New("mdb: checksum mismatch")
)

// Checksum is the 8-bit sum of all bytes.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode builds a command frame: command, data, checksum.
func Encode(cmd byte, data ...byte) []byte {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, cmd)
	frame = append(frame, data...)
	return append(frame, Checksum(frame))
}

// Verify checks the trailing checksum of a multi-byte frame and returns the
// payload without it.
func Verify(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, ErrShortFrame
	}
	body, sum := frame[:len(frame)-1], frame[len(frame)-1]
	if Checksum(body) != sum {
		return nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrBadChecksum, sum, Checksum(body))
	}
	return body, nil
}

// PollKind classifies a poll response.
type PollKind int

const (
	PollNone PollKind = iota
	PollVendRequest
	PollSessionBegin
	PollSessionCancel
	PollSessionComplete
	PollUnknown
)

func (k PollKind) String() string {
	switch k {
	case PollNone:
		return "none"
	case PollVendRequest:
		return "vend_request"
	case PollSessionBegin:
		return "session_begin"
	case PollSessionCancel:
		return "session_cancel"
	case PollSessionComplete:
		return "session_complete"
	}
	return "unknown"
}

// PollResult is a decoded poll response. Price and ItemNumber are set only for
// vend requests.
type PollResult struct {
	Kind       PollKind
	Code       byte
	Price      decimal.Decimal
	ItemNumber int
}

// ParsePoll decodes the controller's answer to a POLL command. A lone ACK or
// an empty read means nothing is pending. priceScale is the number of decimal
// places in the scaled price field (2 for cents).
func ParsePoll(resp []byte, priceScale int32) (PollResult, error) {
	if len(resp) == 0 || (len(resp) == 1 && resp[0] == ACK) {
		return PollResult{Kind: PollNone}, nil
	}

	body, err := Verify(resp)
	if err != nil {
		return PollResult{}, err
	}

	code := body[0] & 0x7F
	res := PollResult{Code: code}
	switch code {
	case respVendRequest:
		// code, price hi, price lo, item number
		if len(body) < 4 {
			return PollResult{}, fmt.Errorf("%w: vend request needs 4 bytes, got %d", ErrShortFrame, len(body))
		}
		scaled := int64(body[1])<<8 | int64(body[2])
		res.Kind = PollVendRequest
		res.Price = decimal.New(scaled, -priceScale)
		res.ItemNumber = int(body[3])
	case respSessionBegin:
		res.Kind = PollSessionBegin
	case respSessionCancel:
		res.Kind = PollSessionCancel
	case respSessionComplete:
		res.Kind = PollSessionComplete
	default:
		res.Kind = PollUnknown
	}
	return res, nil
}

// EncodeVendRequest builds the controller side of a vend request; used by the
// simulated controller and tests.
func EncodeVendRequest(price decimal.Decimal, priceScale int32, item int) ([]byte, error) {
	scaled := price.Shift(priceScale)
	if !scaled.IsInteger() || scaled.IsNegative() || scaled.GreaterThan(decimal.NewFromInt(0xFFFF)) {
		return nil, fmt.Errorf("mdb: price %s not representable at scale %d", price, priceScale)
	}
	if item < 0 || item > 0xFF {
		return nil, fmt.Errorf("mdb: item number %d out of range", item)
	}
	v := scaled.IntPart()
	return Encode(respVendRequest, byte(v>>8), byte(v), byte(item)), nil
}
