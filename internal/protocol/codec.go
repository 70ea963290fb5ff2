package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformed = errors.New("malformed frame")

// Codec selects the wire encoding. Text websocket messages carry JSON,
// binary messages carry CBOR. A session replies in the codec its device
// authenticated with.
type Codec int

const (
	JSON Codec = iota
	CBOR
)

func (c Codec) String() string {
	if c == CBOR {
		return "cbor"
	}
	return "json"
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder: " + err.Error())
	}
}

func Encode(c Codec, f Frame) ([]byte, error) {
	if c == CBOR {
		return encMode.Marshal(f)
	}
	return json.Marshal(f)
}

func Decode(c Codec, data []byte) (Frame, error) {
	var f Frame
	var err error
	if c == CBOR {
		err = decMode.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return f, nil
}
