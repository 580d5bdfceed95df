package model

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode keeps nanosecond timestamps; blob ordering relies on them.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
}

// Marshal encodes v with the wire codec shared by blobs, notifies and shares.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes wire codec data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
