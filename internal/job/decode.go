package job

import "encoding/json"

// DecodeOperations reconstructs a typed Operation slice from its
// persisted JSON form (the shape MarshalJSON produces): a flat object per
// operation with "type" plus that type's own fields. This is the store's
// read-path counterpart to Operation.MarshalJSON; it does not re-run
// Validator rules since the persisted form is already canonical.
func DecodeOperations(data []byte) ([]Operation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(raw))
	for _, r := range raw {
		var head struct {
			Type OperationType `json:"type"`
		}
		if err := json.Unmarshal(r, &head); err != nil {
			return nil, err
		}
		params, err := newParams(head.Type)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(r, params); err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Type: head.Type, Params: derefParams(params)})
	}
	return ops, nil
}

// newParams allocates the zero value of the params struct matching t, as
// a pointer so json.Unmarshal can populate it.
func newParams(t OperationType) (interface{}, error) {
	switch t {
	case OpTranscode:
		return &TranscodeParams{}, nil
	case OpTrim:
		return &TrimParams{}, nil
	case OpWatermark:
		return &WatermarkParams{}, nil
	case OpFilter:
		return &FilterParams{}, nil
	case OpScale:
		return &ScaleParams{}, nil
	case OpCrop:
		return &CropParams{}, nil
	case OpRotate:
		return &RotateParams{}, nil
	case OpFlip:
		return &FlipParams{}, nil
	case OpAudio:
		return &AudioParams{}, nil
	case OpSubtitle:
		return &SubtitleParams{}, nil
	case OpThumbnail:
		return &ThumbnailParams{}, nil
	case OpConcat:
		return &ConcatParams{}, nil
	case OpStream:
		return &StreamParams{}, nil
	default:
		return nil, &unknownTypeError{t}
	}
}

type unknownTypeError struct{ t OperationType }

func (e *unknownTypeError) Error() string {
	return "job: unknown operation type " + string(e.t)
}

// derefParams converts the pointer newParams allocated back into the
// value form OperationParams implementations use.
func derefParams(p interface{}) OperationParams {
	switch v := p.(type) {
	case *TranscodeParams:
		return *v
	case *TrimParams:
		return *v
	case *WatermarkParams:
		return *v
	case *FilterParams:
		return *v
	case *ScaleParams:
		return *v
	case *CropParams:
		return *v
	case *RotateParams:
		return *v
	case *FlipParams:
		return *v
	case *AudioParams:
		return *v
	case *SubtitleParams:
		return *v
	case *ThumbnailParams:
		return *v
	case *ConcatParams:
		return *v
	case *StreamParams:
		return *v
	default:
		return nil
	}
}
