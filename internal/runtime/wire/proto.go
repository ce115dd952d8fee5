package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// StateFromProto converts a proto-backed execution state into the JSON form
// carried in Checkpoint and StateDiff payloads. Engines whose state is a
// proto message use this instead of hand-writing a JSON mapping.
func StateFromProto(state proto.Message) (json.RawMessage, error) {
	if state == nil {
		return nil, fmt.Errorf("wire: proto state is nil")
	}
	data, err := protoJSONMarshalOptions.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal proto state: %w", err)
	}
	return data, nil
}

// StateToProto parses checkpoint/diff state JSON back into a proto message.
func StateToProto(state json.RawMessage, into proto.Message) error {
	if into == nil {
		return fmt.Errorf("wire: target proto message is nil")
	}
	if err := protojson.Unmarshal(state, into); err != nil {
		return fmt.Errorf("wire: unmarshal proto state: %w", err)
	}
	return nil
}
