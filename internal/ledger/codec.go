package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"embryo/internal/model"
)

const CurrentCodecVersion = 1

var ErrVersionMismatch = errors.New("ledger record version mismatch")

// envelope is the on-disk shape for backends that store opaque values.
type envelope struct {
	CodecVersion int             `json:"codec_version"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}

const (
	kindMutation = "mutation"
	kindCycle    = "cycle"
)

func encode(kind string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{CodecVersion: CurrentCodecVersion, Kind: kind, Payload: payload})
}

func decode(data []byte, kind string, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: codec=%d", ErrVersionMismatch, env.CodecVersion)
	}
	if env.Kind != kind {
		return fmt.Errorf("unexpected ledger record kind %q, want %q", env.Kind, kind)
	}
	return json.Unmarshal(env.Payload, v)
}

func EncodeMutation(record model.MutationRecord) ([]byte, error) {
	return encode(kindMutation, record)
}

func DecodeMutation(data []byte) (model.MutationRecord, error) {
	var record model.MutationRecord
	if err := decode(data, kindMutation, &record); err != nil {
		return model.MutationRecord{}, err
	}
	return record, nil
}

func EncodeCycle(record model.CycleRecord) ([]byte, error) {
	return encode(kindCycle, record)
}

func DecodeCycle(data []byte) (model.CycleRecord, error) {
	var record model.CycleRecord
	if err := decode(data, kindCycle, &record); err != nil {
		return model.CycleRecord{}, err
	}
	return record, nil
}

func encodeChanges(changes []model.ParamChange) ([]byte, error) {
	if changes == nil {
		changes = []model.ParamChange{}
	}
	return json.Marshal(changes)
}

func decodeChanges(data []byte) ([]model.ParamChange, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var changes []model.ParamChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}
