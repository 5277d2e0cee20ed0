package protocol

import "errors"

var ErrBufferTooSmall = errors.New("buffer too small for VLQ")

// EncodeVLQInt writes a signed integer as a variable-length quantity:
// 7 bits per byte, most significant group first, high bit set on every
// byte except the last. The range tests pick the shortest encoding that
// still sign-extends correctly on decode.
func EncodeVLQInt(output OutputBuffer, v int32) {
	if !(-(1<<26) <= v && v < (3<<26)) {
		output.Output([]byte{byte((v>>28)&0x7F) | 0x80})
	}
	if !(-(1<<19) <= v && v < (3<<19)) {
		output.Output([]byte{byte((v>>21)&0x7F) | 0x80})
	}
	if !(-(1<<12) <= v && v < (3<<12)) {
		output.Output([]byte{byte((v>>14)&0x7F) | 0x80})
	}
	if !(-(1<<5) <= v && v < (3<<5)) {
		output.Output([]byte{byte((v>>7)&0x7F) | 0x80})
	}
	output.Output([]byte{byte(v & 0x7F)})
}

// EncodeVLQUint rides the signed encoder. Values with the top bit set
// come out as negative encodings and decode back through sign extension
// unchanged.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt reads a variable-length signed integer and advances the
// data slice past the consumed bytes.
func DecodeVLQInt(data *[]byte) (int32, error) {
	if len(*data) == 0 {
		return 0, ErrBufferTooSmall
	}

	c := uint32((*data)[0])
	*data = (*data)[1:]

	v := c & 0x7F
	// A leading byte with bits 0x60 set encodes a negative value; widen
	// the sign before any continuation bytes shift in below it.
	if (c & 0x60) == 0x60 {
		v |= ^uint32(0x1F)
	}

	for c&0x80 != 0 {
		if len(*data) == 0 {
			return 0, ErrBufferTooSmall
		}
		c = uint32((*data)[0])
		*data = (*data)[1:]
		v = (v << 7) | (c & 0x7F)
	}

	return int32(v), nil
}

// DecodeVLQUint is the unsigned view of DecodeVLQInt.
func DecodeVLQUint(data *[]byte) (uint32, error) {
	val, err := DecodeVLQInt(data)
	return uint32(val), err
}

// EncodeVLQBytes writes a VLQ length prefix followed by the raw bytes.
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes reads a length-prefixed byte array. The result aliases
// the input buffer; callers that keep it past the next read must copy.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	length, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if len(*data) < int(length) {
		return nil, ErrBufferTooSmall
	}
	result := (*data)[:length]
	*data = (*data)[length:]
	return result, nil
}

// EncodeVLQString writes a string as a length-prefixed byte array.
func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQBytes(output, []byte(s))
}

// DecodeVLQString reads a length-prefixed string. Unlike DecodeVLQBytes
// the result is a copy and safe to keep.
func DecodeVLQString(data *[]byte) (string, error) {
	bytes, err := DecodeVLQBytes(data)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
