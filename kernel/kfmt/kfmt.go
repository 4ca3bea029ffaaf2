// Package kfmt provides a minimal formatter for kernel diagnostics. Output
// generated before a console is attached accumulates in a ring buffer and is
// replayed once SetOutputSink is invoked with the console writer.
package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize]byte

	// earlyPrintBuffer stores Printf output generated before the console
	// driver is initialized.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and copies any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats its arguments according to format and writes the result to
// the active output sink. The following subset of formatting verbs is
// supported:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String and base-10 values shorter than the width are left-padded with
// spaces; base-16 values are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to the
// specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		blockStart, padLen int
		nextArgIndex       int
		fmtLen             = len(format)
	)

	for blockEnd := 0; blockEnd < fmtLen; {
		if format[blockEnd] != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			doWriteString(w, format[blockStart:blockEnd])
		}

		// Scan til we hit the verb character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh := format[blockEnd]
			switch {
			case nextCh == '%':
				doWriteString(w, "%")
				blockEnd++
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = padLen*10 + int(nextCh-'0')
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
				} else {
					fmtArg(w, nextCh, padLen, args[nextArgIndex])
				}
				nextArgIndex++
				blockEnd++
				break parseFmt
			default:
				doWrite(w, errNoVerb)
				blockEnd++
				break parseFmt
			}
		}

		blockStart = blockEnd
	}

	if blockStart < fmtLen {
		doWriteString(w, format[blockStart:])
	}

	if nextArgIndex < len(args) {
		doWrite(w, errExtraArg)
	}
}

// fmtArg formats a single argument according to the supplied verb and padding.
func fmtArg(w io.Writer, verb byte, padLen int, arg interface{}) {
	switch verb {
	case 't':
		if v, isBool := arg.(bool); isBool {
			if v {
				doWrite(w, trueValue)
			} else {
				doWrite(w, falseValue)
			}
			return
		}
		doWrite(w, errWrongArgType)
	case 's':
		switch v := arg.(type) {
		case string:
			padString(w, len(v), padLen)
			doWriteString(w, v)
		case []byte:
			padString(w, len(v), padLen)
			doWrite(w, v)
		default:
			doWrite(w, errWrongArgType)
		}
	case 'o', 'd', 'x':
		var (
			sval  int64
			uval  uint64
			isInt = true
		)

		switch v := arg.(type) {
		case uint8:
			uval, isInt = uint64(v), false
		case uint16:
			uval, isInt = uint64(v), false
		case uint32:
			uval, isInt = uint64(v), false
		case uint64:
			uval, isInt = v, false
		case uint:
			uval, isInt = uint64(v), false
		case uintptr:
			uval, isInt = uint64(v), false
		case int8:
			sval = int64(v)
		case int16:
			sval = int64(v)
		case int32:
			sval = int64(v)
		case int64:
			sval = v
		case int:
			sval = int64(v)
		default:
			doWrite(w, errWrongArgType)
			return
		}

		if isInt {
			if sval < 0 {
				doWriteString(w, "-")
				uval = uint64(-sval)
			} else {
				uval = uint64(sval)
			}
		}
		fmtUint(w, verb, padLen, uval)
	}
}

// fmtUint formats an unsigned value in the base implied by verb, left-padding
// to padLen with spaces (base 10, 8) or zeroes (base 16).
func fmtUint(w io.Writer, verb byte, padLen int, v uint64) {
	var (
		base    = uint64(10)
		padByte = byte(' ')
	)

	switch verb {
	case 'o':
		base = 8
	case 'x':
		base, padByte = 16, '0'
	}

	index := maxBufSize
	for {
		index--
		numFmtBuf[index] = "0123456789abcdef"[v%base]
		v /= base
		if v == 0 {
			break
		}
	}

	for pad := padLen - (maxBufSize - index); pad > 0 && index > 0; pad-- {
		index--
		numFmtBuf[index] = padByte
	}

	doWrite(w, numFmtBuf[index:])
}

// padString emits the leading padding for a string of length strLen.
func padString(w io.Writer, strLen, padLen int) {
	for pad := padLen - strLen; pad > 0; pad-- {
		doWriteString(w, " ")
	}
}

func doWrite(w io.Writer, p []byte) {
	if w == nil {
		earlyPrintBuffer.Write(p)
		return
	}
	w.Write(p)
}

func doWriteString(w io.Writer, s string) {
	doWrite(w, []byte(s))
}
