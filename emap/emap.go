// Package emap encodes JSON-compatible values into the flat, order-preserving
// key/value text format read by Resonite world scripts.
//
// A value is flattened into leaves. Object keys are joined with "." and array
// elements are addressed as "[i]"; every array additionally yields a
// "<path>.length" leaf ahead of its elements. The output is
//
//	l$#<leaf count>$#
//
// followed by, for every leaf i,
//
//	k<i>$#<path>$#v<i>$#<value>$#t<i>$#<type>$#
//
// where type is one of string, number, bool or null. Backslash, "$" and "#"
// inside paths and values are escaped with a backslash.
package emap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const sep = "$#"

type leaf struct {
	path  string
	value string
	typ   string
}

// Marshal encodes v. Struct fields keep their declaration order and map keys
// their encoding/json order.
func Marshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return FromJSON(raw)
}

// FromJSON encodes a JSON document, keeping the key order found in it.
func FromJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var leaves []leaf
	if err := walk(dec, "", &leaves); err != nil {
		return "", err
	}
	if _, err := dec.Token(); err == nil {
		return "", errors.New("trailing data after JSON value")
	}

	var b strings.Builder
	b.WriteString("l" + sep + strconv.Itoa(len(leaves)) + sep)
	for i, l := range leaves {
		n := strconv.Itoa(i)
		b.WriteString("k" + n + sep + escape(l.path) + sep)
		b.WriteString("v" + n + sep + escape(l.value) + sep)
		b.WriteString("t" + n + sep + l.typ + sep)
	}
	return b.String(), nil
}

func walk(dec *json.Decoder, path string, out *[]leaf) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return fmt.Errorf("unexpected key token %v", keyTok)
				}
				if err := walk(dec, join(path, key), out); err != nil {
					return err
				}
			}
		case '[':
			// Reserve the length slot; the count is known after the elements.
			at := len(*out)
			*out = append(*out, leaf{path: join(path, "length"), typ: "number"})
			n := 0
			for dec.More() {
				if err := walk(dec, fmt.Sprintf("%s[%d]", path, n), out); err != nil {
					return err
				}
				n++
			}
			(*out)[at].value = strconv.Itoa(n)
		default:
			return fmt.Errorf("unexpected delimiter %v", t)
		}
		// Consume the closing delimiter.
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	case string:
		*out = append(*out, leaf{path: path, value: t, typ: "string"})
	case json.Number:
		*out = append(*out, leaf{path: path, value: t.String(), typ: "number"})
	case bool:
		*out = append(*out, leaf{path: path, value: strconv.FormatBool(t), typ: "bool"})
	case nil:
		*out = append(*out, leaf{path: path, typ: "null"})
	default:
		return fmt.Errorf("unexpected token %v", tok)
	}
	return nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

var escaper = strings.NewReplacer(`\`, `\\`, `$`, `\$`, `#`, `\#`)

func escape(s string) string {
	return escaper.Replace(s)
}
