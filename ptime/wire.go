/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ptime

import (
	"encoding/binary"
	"fmt"
)

// WireSize is the size of the on-wire PTP timestamp field:
// 48-bit seconds followed by 32-bit nanoseconds, big-endian.
const WireSize = 10

const maxWireSeconds = int64(1)<<48 - 1

// WriteWire packs the timestamp into the standard 10-byte PTP format
// (e.g. originTimestamp). The subnanosecond residual does not fit the
// coarse fields: the caller must write Correction() to the message
// correctionField to keep end-to-end precision.
func (t Time) WriteWire(b []byte) error {
	if len(b) < WireSize {
		return fmt.Errorf("need %d bytes to write timestamp, got %d", WireSize, len(b))
	}
	if t.secs < 0 || t.secs > maxWireSeconds {
		return fmt.Errorf("seconds value %d doesn't fit in 48 bits", t.secs)
	}
	v := uint64(t.secs)
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
	binary.BigEndian.PutUint32(b[6:WireSize], t.Nanoseconds())
	return nil
}

// ReadWire unpacks the standard 10-byte PTP timestamp format.
// Add the message correctionField separately to recover full precision.
func ReadWire(b []byte) (Time, error) {
	if len(b) < WireSize {
		return Time{}, fmt.Errorf("need %d bytes to read timestamp, got %d", WireSize, len(b))
	}
	secs := uint64(b[5]) | uint64(b[4])<<8 | uint64(b[3])<<16 | uint64(b[2])<<24 |
		uint64(b[1])<<32 | uint64(b[0])<<40
	nsec := binary.BigEndian.Uint32(b[6:WireSize])
	return New(secs, nsec, 0), nil
}

// MarshalBinary implements encoding.BinaryMarshaler using the 10-byte
// wire format.
func (t Time) MarshalBinary() ([]byte, error) {
	b := make([]byte, WireSize)
	if err := t.WriteWire(b); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler using the 10-byte
// wire format.
func (t *Time) UnmarshalBinary(b []byte) error {
	v, err := ReadWire(b)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
