// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for every command and
// event on the wire. Encoding is Core Deterministic (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items, so the same logical value always produces identical bytes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets decode CBOR maps as map[string]any rather
		// than map[interface{}]interface{}; the wire format never uses
		// non-string map keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with newer daemons.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. It delays decoding of an
// envelope payload until the envelope type is known.
type RawMessage = cbor.RawMessage
