package host

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

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
		panic("host: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("host: CBOR decoder initialization failed: " + err.Error())
	}
}

// request is a client → host frame.
type request struct {
	ID        uint64         `cbor:"id"`
	Op        string         `cbor:"op"`
	Window    string         `cbor:"window,omitempty"`
	SessionID string         `cbor:"session_id,omitempty"`
	Create    *CreateRequest `cbor:"create,omitempty"`
	Cols      int            `cbor:"cols,omitempty"`
	Rows      int            `cbor:"rows,omitempty"`
	Data      []byte         `cbor:"data,omitempty"`
}

// reply is a host → client frame. Responses carry the request id; pushed
// events carry id 0 and a non-nil Event.
type reply struct {
	ID     uint64          `cbor:"id,omitempty"`
	OK     bool            `cbor:"ok"`
	Error  string          `cbor:"error,omitempty"`
	Code   string          `cbor:"code,omitempty"`
	Owner  string          `cbor:"owner,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Event  *Event          `cbor:"event,omitempty"`
}

const (
	opCreate       = "create"
	opList         = "list"
	opOwner        = "owner"
	opAttach       = "attach"
	opDetach       = "detach"
	opRequestYield = "request_yield"
	opWrite        = "write"
	opResize       = "resize"
	opTerminate    = "terminate"
	opHistory      = "history"
	opSubscribe    = "subscribe"
)

const (
	codeNotFound = "not_found"
	codeExited   = "exited"
	codeOwned    = "owned"
	codeNotOwner = "not_owner"
)

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
