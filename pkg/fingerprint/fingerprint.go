// Package fingerprint derives deterministic identifiers for logically
// repeatable tool requests.
//
// Canonical form (version 1):
//
//	nil            n;
//	bool           b:1;  |  b:0;
//	integer        d:<base-10 digits>;
//	non-integer    f:<shortest 'g' formatting>;
//	string         s:<byte length>:<bytes>;
//	array          a:<n>[<elem>...]
//	object         m:<n>{<key string><value>...}   keys in byte order
//
// Integral floats encode as integers so that 3 and 3.0 (common after a
// JSON round trip) fingerprint identically. Values of any other Go type are
// first normalized through encoding/json.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"switchyard/pkg/errors"
)

const version = "v1"

// Of returns the hex SHA-256 fingerprint of a tool request.
func Of(toolID, action string, params map[string]any, callerID string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(version)
	writeString(&buf, toolID)
	writeString(&buf, action)
	writeString(&buf, callerID)

	if params == nil {
		params = map[string]any{}
	}
	if err := encode(&buf, params); err != nil {
		return "", errors.Wrap(err, "canonicalize params")
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical byte encoding of v.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("n;")
	case bool:
		if t {
			buf.WriteString("b:1;")
		} else {
			buf.WriteString("b:0;")
		}
	case string:
		writeString(buf, t)
	case int:
		writeInt(buf, int64(t))
	case int8:
		writeInt(buf, int64(t))
	case int16:
		writeInt(buf, int64(t))
	case int32:
		writeInt(buf, int64(t))
	case int64:
		writeInt(buf, t)
	case uint:
		writeUint(buf, uint64(t))
	case uint8:
		writeUint(buf, uint64(t))
	case uint16:
		writeUint(buf, uint64(t))
	case uint32:
		writeUint(buf, uint64(t))
	case uint64:
		writeUint(buf, t)
	case float32:
		return writeFloat(buf, float64(t))
	case float64:
		return writeFloat(buf, t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			writeInt(buf, i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return errors.Wrapf(errors.ErrInvalidInput, "number %q", t.String())
		}
		return writeFloat(buf, f)
	case []any:
		buf.WriteString("a:")
		buf.WriteString(strconv.Itoa(len(t)))
		buf.WriteByte('[')
		for _, elem := range t {
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteString("m:")
		buf.WriteString(strconv.Itoa(len(keys)))
		buf.WriteByte('{')
		for _, k := range keys {
			writeString(buf, k)
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return encode(buf, normalized)
	}
	return nil
}

// normalize converts arbitrary Go values (structs, typed maps and slices)
// into the generic JSON value space.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "value of type %T is not serializable", v)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode normalized value")
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString("s:")
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
	buf.WriteByte(';')
}

func writeInt(buf *bytes.Buffer, i int64) {
	buf.WriteString("d:")
	buf.WriteString(strconv.FormatInt(i, 10))
	buf.WriteByte(';')
}

func writeUint(buf *bytes.Buffer, u uint64) {
	buf.WriteString("d:")
	buf.WriteString(strconv.FormatUint(u, 10))
	buf.WriteByte(';')
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Wrapf(errors.ErrInvalidInput, "non-finite number %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		writeInt(buf, int64(f))
		return nil
	}
	buf.WriteString("f:")
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	buf.WriteByte(';')
	return nil
}
