package proto

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"stately/internal/state"
)

const (
	fieldName      = "name"
	fieldState     = "state"
	fieldTimestamp = "timestamp"

	// upper bound on accepted timestamps, in seconds; keeps the float to
	// microsecond conversion exact.
	maxPayloadSeconds = 1 << 36
)

var payloadUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// EncodeStatePayload renders ps as a self-describing JSON record
// {name, state, timestamp} with timestamp in float seconds since epoch.
func EncodeStatePayload(ps state.PeerState) ([]byte, error) {
	if !ps.Kind.Valid() {
		return nil, fmt.Errorf("encode state payload: %w", state.ErrUnknownKind)
	}
	st, err := structpb.NewStruct(map[string]any{
		fieldName:      ps.Name,
		fieldState:     ps.Kind.Tag(),
		fieldTimestamp: float64(ps.ObservedAt.UnixMicro()) / 1e6,
	})
	if err != nil {
		return nil, fmt.Errorf("encode state payload: %w", err)
	}
	return protojson.Marshal(st)
}

// DecodeStatePayload parses a STATE_UPDATE payload. The peer id is not part
// of the payload; the caller supplies the packet's sender.
func DecodeStatePayload(data []byte, id state.PeerID) (state.PeerState, error) {
	var st structpb.Struct
	if err := payloadUnmarshal.Unmarshal(data, &st); err != nil {
		return state.PeerState{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	fields := st.GetFields()
	name, ok := stringField(fields, fieldName)
	if !ok {
		return state.PeerState{}, fmt.Errorf("%w: payload name", ErrMalformed)
	}
	tag, ok := stringField(fields, fieldState)
	if !ok {
		return state.PeerState{}, fmt.Errorf("%w: payload state", ErrMalformed)
	}
	kind, err := state.ParseKind(tag)
	if err != nil {
		return state.PeerState{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	secs, ok := numberField(fields, fieldTimestamp)
	if !ok || math.IsNaN(secs) || secs < 0 || secs > maxPayloadSeconds {
		return state.PeerState{}, fmt.Errorf("%w: payload timestamp", ErrMalformed)
	}
	return state.PeerState{
		Name:       name,
		Kind:       kind,
		ObservedAt: secondsToTime(secs),
		PeerID:     id,
	}, nil
}

func stringField(fields map[string]*structpb.Value, key string) (string, bool) {
	v, ok := fields[key].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return v.StringValue, true
}

func numberField(fields map[string]*structpb.Value, key string) (float64, bool) {
	v, ok := fields[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return v.NumberValue, true
}

func secondsToTime(secs float64) time.Time {
	return time.UnixMicro(int64(math.Round(secs * 1e6)))
}
