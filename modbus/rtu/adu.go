// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-rtu-server/modbus"
	"github.com/ffutop/modbus-rtu-server/modbus/crc"
)

var (
	// ErrShortFrame is returned for frames below MinSize.
	ErrShortFrame = errors.New("modbus: frame shorter than minimum size")
	// ErrCRCMismatch is returned when the trailing checksum does not match.
	ErrCRCMismatch = errors.New("modbus: crc mismatch")
)

// ApplicationDataUnit is an RTU frame without its checksum.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode verifies length and checksum of raw and splits it into its fields.
// The returned PDU data aliases raw.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("%w: length '%v' does not meet minimum '%v'", ErrShortFrame, length, MinSize)
		return
	}

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		err = fmt.Errorf("%w: received '%#04x', expected '%#04x'", ErrCRCMismatch, checksum, c.Value())
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := c.Value()

	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// EncodeResponse frames a response built by a worker or the dispatch engine.
func EncodeResponse(resp *modbus.Response) ([]byte, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}
	adu := &ApplicationDataUnit{SlaveID: resp.UnitID(), Pdu: resp.PDU()}
	return adu.Encode()
}
