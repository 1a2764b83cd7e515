package ipc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type envelope struct {
	Type Type            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes msg into an envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return encMode.Marshal(envelope{Type: msg.Type(), Body: body})
}

// Decode parses an envelope.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg Message
	var err error
	switch env.Type {
	case TypeInitialize:
		msg, err = decodeBody[Initialize](env.Body)
	case TypeInitializeResponse:
		msg, err = decodeBody[InitializeResponse](env.Body)
	case TypeCompileRequest:
		msg, err = decodeBody[CompileRequest](env.Body)
	case TypeCodeCompilationResult:
		msg, err = decodeBody[CodeCompilationResult](env.Body)
	case TypeCompilationResult:
		msg, err = decodeBody[CompilationResult](env.Body)
	case TypeEvictNotice:
		msg, err = decodeBody[EvictNotice](env.Body)
	default:
		return nil, fmt.Errorf("unknown message type %d", uint8(env.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func decodeBody[T Message](body []byte) (Message, error) {
	var v T
	if err := decMode.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
