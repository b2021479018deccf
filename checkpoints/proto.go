package checkpoints

import (
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// protoCodec stores a checkpoint as a google.protobuf.Struct. Doubles keep
// NaN and Inf, which JSON cannot represent, so a diverged epoch still persists.
type protoCodec struct{}

func (protoCodec) Format() CheckpointFormat { return FormatProto }

func (protoCodec) Encode(w io.Writer, checkpoint *Checkpoint) error {
	msg := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"epoch":           structpb.NewNumberValue(float64(checkpoint.Epoch)),
			"loss":            structpb.NewNumberValue(checkpoint.Loss),
			"model_state":     structpb.NewStructValue(stateToStruct(checkpoint.ModelState)),
			"optimizer_state": structpb.NewStructValue(stateToStruct(checkpoint.OptimizerState)),
			"scheduler_state": structpb.NewStructValue(stateToStruct(checkpoint.SchedulerState)),
			"metadata":        structpb.NewStructValue(metadataToStruct(checkpoint.Metadata)),
		},
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (protoCodec) Decode(data []byte) (*Checkpoint, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	loss, ok := numberField(&msg, "loss")
	if !ok {
		return nil, errMissingLoss
	}
	epoch, ok := numberField(&msg, "epoch")
	if !ok {
		return nil, errMissingEpoch
	}

	checkpoint := &Checkpoint{
		Epoch: int(epoch),
		Loss:  loss,
	}

	var err error
	if checkpoint.ModelState, err = structToState(msg.Fields["model_state"]); err != nil {
		return nil, fmt.Errorf("model_state: %w", err)
	}
	if checkpoint.OptimizerState, err = structToState(msg.Fields["optimizer_state"]); err != nil {
		return nil, fmt.Errorf("optimizer_state: %w", err)
	}
	if checkpoint.SchedulerState, err = structToState(msg.Fields["scheduler_state"]); err != nil {
		return nil, fmt.Errorf("scheduler_state: %w", err)
	}
	checkpoint.Metadata = structToMetadata(msg.Fields["metadata"])

	return checkpoint, nil
}

func numberField(msg *structpb.Struct, name string) (float64, bool) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func stateToStruct(sd StateDict) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(sd))
	for name, values := range sd {
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
		for i, v := range values {
			list.Values[i] = structpb.NewNumberValue(v)
		}
		fields[name] = structpb.NewListValue(list)
	}
	return &structpb.Struct{Fields: fields}
}

func structToState(v *structpb.Value) (StateDict, error) {
	if v == nil {
		return nil, nil
	}
	s := v.GetStructValue()
	if s == nil {
		return nil, errors.New("expected a struct")
	}
	sd := make(StateDict, len(s.GetFields()))
	for name, field := range s.GetFields() {
		list := field.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("entry %q is not a list", name)
		}
		values := make([]float64, len(list.GetValues()))
		for i, item := range list.GetValues() {
			n, ok := item.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("entry %q[%d] is not a number", name, i)
			}
			values[i] = n.NumberValue
		}
		sd[name] = values
	}
	return sd, nil
}

func metadataToStruct(m CheckpointMetadata) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"version":   structpb.NewStringValue(m.Version),
		"framework": structpb.NewStringValue(m.Framework),
	}
	if !m.CreatedAt.IsZero() {
		fields["created_at"] = structpb.NewStringValue(m.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
	if m.RunID != "" {
		fields["run_id"] = structpb.NewStringValue(m.RunID)
	}
	if m.Description != "" {
		fields["description"] = structpb.NewStringValue(m.Description)
	}
	return &structpb.Struct{Fields: fields}
}

func structToMetadata(v *structpb.Value) CheckpointMetadata {
	s := v.GetStructValue()
	if s == nil {
		return CheckpointMetadata{}
	}
	get := func(name string) string {
		return s.GetFields()[name].GetStringValue()
	}
	m := CheckpointMetadata{
		Version:     get("version"),
		Framework:   get("framework"),
		RunID:       get("run_id"),
		Description: get("description"),
	}
	if ts := get("created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}
