package wire

// The plaintext inside a reliable-UDP payload frame is a varint message id
// followed by the raw message body.

// EncodeMsgID prepends the varint encoding of id to body.
func EncodeMsgID(id uint32, body []byte) []byte {
	out := AppendVarint(make([]byte, 0, MaxVarintLen+len(body)), uint64(id))
	return append(out, body...)
}

// SplitMsgID strips the varint message id from the front of a decrypted
// payload, returning the id and the remaining message body.
func SplitMsgID(payload []byte) (uint32, []byte, error) {
	id, n, err := DecodeVarint(payload)
	if err != nil {
		return 0, nil, err
	}
	return uint32(id), payload[n:], nil
}
