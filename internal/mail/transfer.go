package mail

import (
	"bytes"
	"fmt"
)

// RFC 5322 line limit, excluding CRLF.
const maxLineLength = 998

type contentClass struct {
	nonASCII bool
	nul      bool
	bareEOL  bool
	longLine bool
}

func classify(content []byte) contentClass {
	var c contentClass
	lineLen := 0
	for i := 0; i < len(content); i++ {
		b := content[i]
		switch {
		case b == '\r' && i+1 < len(content) && content[i+1] == '\n':
			i++
			lineLen = 0
			continue
		case b == '\r' || b == '\n':
			c.bareEOL = true
			lineLen = 0
			continue
		case b == 0:
			c.nul = true
		case b >= 0x80:
			c.nonASCII = true
		}
		lineLen++
		if lineLen > maxLineLength {
			c.longLine = true
		}
	}
	return c
}

func (c contentClass) sevenBitSafe() bool {
	return !c.nonASCII && c.eightBitSafe()
}

func (c contentClass) eightBitSafe() bool {
	return !c.nul && !c.bareEOL && !c.longLine
}

// chooseTransferEncoding picks the identity encoding the mail type allows and
// falls back to quoted-printable for text or base64 for everything else.
// A pinned encoding is checked rather than replaced.
func chooseTransferEncoding(pinned TransferEncoding, content []byte, text bool, mt MailType) (TransferEncoding, error) {
	class := classify(content)

	switch pinned {
	case TransferEncodingAuto:
		switch {
		case !text:
			return TransferEncodingBase64, nil
		case class.sevenBitSafe():
			return TransferEncoding7Bit, nil
		case mt.allows8Bit() && class.eightBitSafe():
			return TransferEncoding8Bit, nil
		default:
			return TransferEncodingQuotedPrintable, nil
		}
	case TransferEncoding7Bit:
		if !class.sevenBitSafe() {
			return "", fmt.Errorf("%w: 7bit content must be short-lined ASCII", ErrUnrepresentable)
		}
	case TransferEncoding8Bit:
		if !mt.allows8Bit() {
			return "", fmt.Errorf("%w: 8bit transfer encoding requires 8BITMIME", ErrUnrepresentable)
		}
		if !class.eightBitSafe() {
			return "", fmt.Errorf("%w: 8bit content must be short-lined without NUL", ErrUnrepresentable)
		}
	case TransferEncodingQuotedPrintable, TransferEncodingBase64:
	default:
		return "", fmt.Errorf("%w: unknown transfer encoding %q", ErrUnrepresentable, pinned)
	}
	return pinned, nil
}

// normalizeNewlines converts CR, LF and CRLF line breaks to CRLF.
func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}
