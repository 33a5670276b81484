package pubsub

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// State is the blob a StateEmitter sends: the emitter's name followed by
// its key/value state.
type State struct {
	EmitterName string            `yaml:"emitterName"`
	Values      map[string]string `yaml:"state"`
}

func (s State) clone() State {
	values := make(map[string]string, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return State{EmitterName: s.EmitterName, Values: values}
}

// StateEncoder serializes a State for the wire.
type StateEncoder interface {
	EncodeState(State) ([]byte, error)
}

// StateDecoder parses what a StateEncoder produced.
type StateDecoder interface {
	DecodeState([]byte) (State, error)
}

// YAMLStateCodec encodes states as YAML documents with emitterName first
// and the state keys sorted.
type YAMLStateCodec struct{}

// EncodeState implements StateEncoder.
func (YAMLStateCodec) EncodeState(s State) ([]byte, error) {
	if s.Values == nil {
		s.Values = map[string]string{}
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState implements StateDecoder.
func (YAMLStateCodec) DecodeState(data []byte) (State, error) {
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if s.Values == nil {
		s.Values = map[string]string{}
	}
	return s, nil
}
