package protocol

import (
	"fmt"

	"github.com/nczempin/pkihttp/errors"
)

const (
	tagConstructedSequence = 0x30
	longFormBit            = 0x80
	maxLengthOctets        = 4
)

// DecodeLengthPrefix inspects the start of a DER/BER encoded SEQUENCE and
// returns the total encoded size: tag and length octets plus content.
//
// ok is false when buf does not yet hold enough bytes to decide. The long
// form is only decoded once 6 bytes are available, which covers the
// largest accepted prefix. A content length above maxLen is rejected.
func DecodeLengthPrefix(buf []byte, maxLen int) (total int, ok bool, err error) {
	if len(buf) < 2 {
		return 0, false, nil
	}

	if buf[0] != tagConstructedSequence {
		return 0, false, errors.NewProtocolError(errors.ProtocolErrorNotSequence,
			fmt.Sprintf("unexpected tag 0x%02x", buf[0]))
	}

	first := buf[1]
	if first&longFormBit == 0 {
		if int(first) > maxLen {
			return 0, false, tooLarge(uint64(first), maxLen)
		}
		return 2 + int(first), true, nil
	}

	if len(buf) < 2+maxLengthOctets {
		return 0, false, nil
	}

	count := int(first &^ longFormBit)
	if count == 0 || count > maxLengthOctets {
		return 0, false, errors.NewProtocolError(errors.ProtocolErrorInvalidLength,
			fmt.Sprintf("unsupported number of length octets: %d", count))
	}

	var length uint64
	for _, b := range buf[2 : 2+count] {
		length = length<<8 | uint64(b)
	}
	if length > uint64(maxLen) {
		return 0, false, tooLarge(length, maxLen)
	}

	return 2 + count + int(length), true, nil
}

func tooLarge(length uint64, maxLen int) error {
	return errors.NewProtocolError(errors.ProtocolErrorMessageTooLarge,
		fmt.Sprintf("response length %d exceeds maximum %d", length, maxLen))
}
