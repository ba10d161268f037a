package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

const wireVersion = 1

type insertOp struct {
	_      struct{} `cbor:",toarray"`
	ID     ID
	Origin ID
	Value  string
}

func (op insertOp) same(other insertOp) bool {
	return op.ID == other.ID && op.Origin == other.Origin && op.Value == other.Value
}

type deleteOp struct {
	_      struct{} `cbor:",toarray"`
	Target ID
}

type setOp struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value string
	Stamp ID
}

type deltaWire struct {
	_       struct{} `cbor:",toarray"`
	Version uint8
	Inserts []insertOp
	Deletes []deleteOp
	Sets    []setOp
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 24,
		UTF8:             cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor dec mode: %v", err))
	}
}

func mustEncode(delta deltaWire) []byte {
	delta.Version = wireVersion
	if delta.Inserts == nil {
		delta.Inserts = []insertOp{}
	}
	if delta.Deletes == nil {
		delta.Deletes = []deleteOp{}
	}
	if delta.Sets == nil {
		delta.Sets = []setOp{}
	}
	out, err := encMode.Marshal(delta)
	if err != nil {
		panic(fmt.Sprintf("crdt: encode delta: %v", err))
	}
	return out
}

func decodeDelta(data []byte) (deltaWire, error) {
	var delta deltaWire
	if len(data) == 0 {
		return delta, fmt.Errorf("%w: empty", ErrCorruptDelta)
	}
	if err := decMode.Unmarshal(data, &delta); err != nil {
		return deltaWire{}, fmt.Errorf("%w: %v", ErrCorruptDelta, err)
	}
	if delta.Version != wireVersion {
		return deltaWire{}, fmt.Errorf("%w: version %d", ErrCorruptDelta, delta.Version)
	}
	for _, op := range delta.Inserts {
		if err := validInsert(op); err != nil {
			return deltaWire{}, err
		}
	}
	for _, op := range delta.Deletes {
		if !validID(op.Target) {
			return deltaWire{}, fmt.Errorf("%w: delete target %s", ErrCorruptDelta, op.Target)
		}
	}
	for _, op := range delta.Sets {
		if op.Key == "" || len(op.Key) > maxAttrKeyLen || !validID(op.Stamp) {
			return deltaWire{}, fmt.Errorf("%w: attribute %q", ErrCorruptDelta, op.Key)
		}
	}
	return delta, nil
}

func validID(id ID) bool {
	return id.Client != 0 && id.Clock != 0
}

// validInsert also requires the origin to be strictly older, which keeps the
// origin graph acyclic.
func validInsert(op insertOp) error {
	if !validID(op.ID) {
		return fmt.Errorf("%w: insert id %s", ErrCorruptDelta, op.ID)
	}
	if !op.Origin.IsZero() && (!validID(op.Origin) || op.Origin.Clock >= op.ID.Clock) {
		return fmt.Errorf("%w: insert %s origin %s", ErrCorruptDelta, op.ID, op.Origin)
	}
	if utf8.RuneCountInString(op.Value) != 1 {
		return fmt.Errorf("%w: insert %s value", ErrCorruptDelta, op.ID)
	}
	return nil
}
