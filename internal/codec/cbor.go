// Package codec encodes internal records that are never exposed as JSON,
// such as work queue payloads.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	enc := cbor.CoreDetEncOptions()
	enc.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = enc.EncMode(); err != nil {
		panic("codec: encoder options: " + err.Error())
	}

	// Payloads are written only by this binary, so anything unexpected means
	// a corrupt or foreign row.
	dec := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}
	if decMode, err = dec.DecMode(); err != nil {
		panic("codec: decoder options: " + err.Error())
	}
}

// Marshal encodes v deterministically: equal values give equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, rejecting unknown fields and duplicate keys.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
