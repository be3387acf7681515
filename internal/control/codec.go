package control

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
)

// EncodeStartRequest converts req into the Start message. The seed travels as
// a string because Struct numbers are doubles.
func EncodeStartRequest(req intersection.StartRequest) (*structpb.Struct, error) {
	fields := map[string]any{
		"mode": req.Mode.String(),
		"cars": req.Cars,
		"k":    req.Capacity,
	}
	if req.Seed != 0 {
		fields["seed"] = strconv.FormatUint(req.Seed, 10)
	}
	if len(req.RoadIDs) > 0 {
		roads := make([]any, len(req.RoadIDs))
		for i, id := range req.RoadIDs {
			roads[i] = int(id)
		}
		fields["roads"] = roads
	}
	return structpb.NewStruct(fields)
}

// DecodeStartRequest reads a Start message. Numeric fields may be sent as
// numbers or strings; "k" is only required in bounded mode.
func DecodeStartRequest(in *structpb.Struct) (intersection.StartRequest, error) {
	var req intersection.StartRequest
	m := in.AsMap()

	mode, ok := m["mode"].(string)
	if !ok {
		return req, fmt.Errorf("%w: mode must be a string", intersection.ErrInvalidConfig)
	}
	parsed, err := intersection.ParseMode(mode)
	if err != nil {
		return req, err
	}
	req.Mode = parsed

	if req.Cars, err = intField(m, "cars"); err != nil {
		return req, err
	}
	if req.Mode == intersection.ModeBounded {
		if req.Capacity, err = intField(m, "k"); err != nil {
			return req, err
		}
	}
	if raw, ok := m["seed"]; ok {
		if req.Seed, err = seedValue(raw); err != nil {
			return req, err
		}
	}
	if raw, ok := m["roads"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return req, fmt.Errorf("%w: roads must be a list", intersection.ErrInvalidConfig)
		}
		req.RoadIDs = make([]intersection.RoadID, len(list))
		for i, v := range list {
			n, err := intValue("roads", v)
			if err != nil {
				return req, err
			}
			req.RoadIDs[i] = intersection.RoadID(n)
		}
	}
	return req, nil
}

func intField(m map[string]any, key string) (int, error) {
	raw, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", intersection.ErrInvalidConfig, key)
	}
	return intValue(key, raw)
}

func intValue(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", intersection.ErrInvalidConfig, key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not a number", intersection.ErrInvalidConfig, key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", intersection.ErrInvalidConfig, key, raw)
	}
}

func seedValue(raw any) (uint64, error) {
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: seed %q is not an unsigned integer", intersection.ErrInvalidConfig, v)
		}
		return n, nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: seed must be a non-negative integer, got %v", intersection.ErrInvalidConfig, v)
		}
		// Converting a float at or above 2^64 to uint64 is implementation
		// defined; Inf lands here too.
		if v >= 1<<64 {
			return 0, fmt.Errorf("%w: seed %v does not fit in 64 bits", intersection.ErrInvalidConfig, v)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%w: seed has unsupported type %T", intersection.ErrInvalidConfig, raw)
	}
}

// toStruct converts any JSON-encodable value into a Struct using its JSON
// field names.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
