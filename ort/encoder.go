package ort

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	onnx "github.com/yalue/onnxruntime_go"
)

// TextEncoder runs an exported text encoder as an ONNX session, mapping a
// token-id sequence to a condition embedding. Tokenization happens upstream;
// the encoder only accepts ids. It satisfies the diffusion.ConditionEncoder
// contract.
type TextEncoder struct {
	session *onnx.DynamicAdvancedSession
}

// NewTextEncoder opens the model at path. The graph takes "input_ids"
// (int64 [batch, seq]) and produces "embedding". Init must have been
// called.
func NewTextEncoder(path string) (*TextEncoder, error) {
	session, err := onnx.NewDynamicAdvancedSession(path,
		[]string{"input_ids"}, []string{"embedding"}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening text encoder model %s", path)
	}
	return &TextEncoder{session: session}, nil
}

// Embed accepts []int64 token ids (one sequence) or [][]int64 (a batch) and
// returns the embedding tensor.
func (e *TextEncoder) Embed(raw any) (*tensors.Tensor, error) {
	var flat []int64
	var batch, seq int
	switch ids := raw.(type) {
	case []int64:
		flat, batch, seq = ids, 1, len(ids)
	case [][]int64:
		batch = len(ids)
		if batch == 0 {
			return nil, errors.Errorf("empty token batch")
		}
		seq = len(ids[0])
		flat = make([]int64, 0, batch*seq)
		for _, row := range ids {
			if len(row) != seq {
				return nil, errors.Errorf("ragged token batch: %d vs %d ids", len(row), seq)
			}
			flat = append(flat, row...)
		}
	default:
		return nil, errors.Errorf("text encoder expects []int64 or [][]int64 token ids, got %T", raw)
	}

	input, err := onnx.NewTensor(onnx.NewShape(int64(batch), int64(seq)), flat)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	outputs := make([]onnx.Value, 1)
	if err := e.session.Run([]onnx.Value{input}, outputs); err != nil {
		return nil, errors.WithMessage(err, "running text encoder")
	}
	out, ok := outputs[0].(*onnx.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("text encoder output is not a float32 tensor")
	}
	defer out.Destroy()
	return fromOrt(out), nil
}

// Close releases the session.
func (e *TextEncoder) Close() error {
	return e.session.Destroy()
}
