package bencode

import "fmt"

// ErrorKind classifies a bencode syntax error so callers can distinguish a
// malformed wire frame from a valid-but-wrong-shape value.
type ErrorKind int

const (
	// UnrecognizedToken is returned when the decoder encounters a byte
	// that cannot begin any bencode value (d, i, l, or an ASCII digit).
	UnrecognizedToken ErrorKind = iota

	// UnexpectedEof is returned when the input ends before a value, or a
	// container's terminating 'e', is complete.
	UnexpectedEof

	// IntegerFormat is returned for a non-canonical integer: a leading
	// zero ("i03e"), "-0" ("i-0e"), an empty digit run ("ie"), or a
	// digit run too long to be a sane bencode integer.
	IntegerFormat

	// StringLength is returned for a string whose declared length has a
	// leading zero, has more than 19 digits, or exceeds the decoder's
	// 64 MiB maximum.
	StringLength

	// DictKeyOrder is returned when a dictionary's keys are not in
	// strictly ascending byte order, as BEP-3 requires.
	DictKeyOrder

	// DictKeyType is returned when a dictionary key is not a byte
	// string.
	DictKeyType

	// TrailingGarbage is returned when bytes remain in the input after a
	// single top-level value has been fully decoded.
	TrailingGarbage
)

func (k ErrorKind) String() string {
	switch k {
	case UnrecognizedToken:
		return "unrecognized token"
	case UnexpectedEof:
		return "unexpected eof"
	case IntegerFormat:
		return "integer format"
	case StringLength:
		return "string length"
	case DictKeyOrder:
		return "dict key order"
	case DictKeyType:
		return "dict key type"
	case TrailingGarbage:
		return "trailing garbage"
	default:
		return "unknown"
	}
}

// SyntaxError is the concrete error type returned by Decode. Offset is the
// byte position within the input at which the problem was detected.
type SyntaxError struct {
	Kind   ErrorKind
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("bencode: %s at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("bencode: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

func syntaxErr(kind ErrorKind, offset int64, format string, args ...any) *SyntaxError {
	return &SyntaxError{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
