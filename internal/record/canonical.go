package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

var errTrailingData = errors.New("trailing data after JSON value")

// Canonicalize re-serializes raw JSON without insignificant whitespace,
// keeping object keys in the order they appear and leaving numbers as sent.
// Strings are re-encoded without HTML escaping so the output matches what a
// signer produced with Marshal.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var buf bytes.Buffer
	if err := writeValue(dec, &buf); err != nil {
		return nil, fmt.Errorf("failed to canonicalize body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return buf.Bytes(), nil
}

// Marshal encodes v the way bodies are signed: compact, no HTML escaping,
// struct fields in declaration order.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return Canonicalize(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			buf.WriteByte('{')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					buf.WriteByte(',')
				}
				key, err := dec.Token()
				if err != nil {
					return err
				}
				s, ok := key.(string)
				if !ok {
					return fmt.Errorf("unexpected object key %v", key)
				}
				writeString(buf, s)
				buf.WriteByte(':')
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			for i := 0; dec.More(); i++ {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte(']')
		default:
			return fmt.Errorf("unexpected delimiter %v", v)
		}
	case string:
		writeString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected token %v", tok)
	}
	return nil
}

// writeString quotes s like encoding/json without HTML escaping, except that
// U+2028 and U+2029 are written raw as other JSON encoders do.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for {
		i := strings.IndexAny(s, "\u2028\u2029")
		if i < 0 {
			writeEscaped(buf, s)
			break
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		writeEscaped(buf, s[:i])
		buf.WriteString(s[i : i+size])
		s = s[i+size:]
	}
	buf.WriteByte('"')
}

// writeEscaped writes the escaped contents of s without the quotes.
func writeEscaped(buf *bytes.Buffer, s string) {
	if s == "" {
		return
	}
	var quoted bytes.Buffer
	enc := json.NewEncoder(&quoted)
	enc.SetEscapeHTML(false)
	// encoding a string cannot fail
	_ = enc.Encode(s)
	out := quoted.Bytes()
	// drop the quotes and the trailing newline
	buf.Write(out[1 : len(out)-2])
}
