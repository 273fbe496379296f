// Package inference runs locally-installed models in-process: tokenize,
// run the ONNX graph greedily/with sampling, detokenize, one token at a
// time so callers can stream partial text.
package inference

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/chewxy/math32"
	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
	"github.com/viterin/vek/vek32"
)

// Token is one generated step: the decoded text fragment and whether
// generation stopped here (EOS or max tokens reached).
type Token struct {
	Text string
	Done bool
	Err  error
}

// SamplingParams controls decoding. Temperature 0 means greedy argmax.
type SamplingParams struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

func (p *SamplingParams) setDefaults() {
	if p.MaxTokens == 0 {
		p.MaxTokens = 512
	}
	if p.TopP == 0 {
		p.TopP = 1.0
	}
}

// Handle is an opaque reference to one loaded model's session + tokenizer.
type Handle struct {
	modelID string
	session *ort.DynamicAdvancedSession
	tok     *tokenizers.Tokenizer
	eosID   int64
	maxCtx  int
}

// Engine loads ONNX models and runs autoregressive generation over them.
// Exactly one process-wide ONNX runtime environment backs every Engine,
// per onnxruntime_go's requirement that InitializeEnvironment be called
// once.
type Engine struct {
	mu sync.Mutex
}

var (
	envInitOnce sync.Once
	envInitErr  error
)

// NewEngine constructs an Engine. The ONNX runtime environment is
// initialized lazily on first Load so a process that never loads a local
// model never pays the library's startup cost.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) ensureInitialized() error {
	envInitOnce.Do(func() {
		envInitErr = ort.InitializeEnvironment()
	})
	return envInitErr
}

// Load opens the ONNX model at modelPath and the tokenizer at
// tokenizerPath, and returns a Handle ready for Generate.
func (e *Engine) Load(ctx context.Context, modelID, modelPath, tokenizerPath string, eosID int64, maxContextLength int) (*Handle, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, fmt.Errorf("inference: initialize onnxruntime: %w", err)
	}

	tok, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("inference: load tokenizer %s: %w", tokenizerPath, err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		tok.Close()
		return nil, fmt.Errorf("inference: load model %s: %w", modelPath, err)
	}

	return &Handle{modelID: modelID, session: session, tok: tok, eosID: eosID, maxCtx: maxContextLength}, nil
}

// Unload releases the model's native resources.
func (h *Handle) Unload() error {
	if h.session != nil {
		h.session.Destroy()
	}
	if h.tok != nil {
		h.tok.Close()
	}
	return nil
}

// Generate runs greedy/temperature-sampled autoregressive decoding,
// emitting one Token per generated step on the returned channel. ctx
// cancellation stops generation at the next step boundary — this is how
// LocalProvider's CancelStream takes effect, since there's no remote
// socket to signal. A caller that merely stops reading leaves the decode
// loop blocked on its next send until ctx is cancelled.
func (e *Engine) Generate(ctx context.Context, h *Handle, prompt string, params SamplingParams) (<-chan Token, error) {
	params.setDefaults()

	ids, err := h.tok.Encode(prompt, false)
	if err != nil {
		return nil, fmt.Errorf("inference: encode prompt: %w", err)
	}

	out := make(chan Token, 8)
	go e.decodeLoop(ctx, h, ids, params, out)
	return out, nil
}

func (e *Engine) decodeLoop(ctx context.Context, h *Handle, promptIDs []uint32, params SamplingParams, out chan<- Token) {
	defer close(out)

	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int64, len(promptIDs))
	for i, id := range promptIDs {
		ids[i] = int64(id)
	}

	for step := 0; step < params.MaxTokens; step++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(ids) >= h.maxCtx {
			out <- Token{Done: true}
			return
		}

		nextID, logitsErr := e.forwardOneStep(h, ids, params)
		if logitsErr != nil {
			out <- Token{Err: fmt.Errorf("inference: forward pass: %w", logitsErr), Done: true}
			return
		}

		ids = append(ids, nextID)
		done := nextID == h.eosID

		text, decodeErr := h.tok.Decode([]uint32{uint32(nextID)}, true)
		if decodeErr != nil {
			out <- Token{Err: fmt.Errorf("inference: decode token: %w", decodeErr), Done: true}
			return
		}

		select {
		case out <- Token{Text: text, Done: done}:
		case <-ctx.Done():
			return
		}
		if done {
			return
		}
	}
	out <- Token{Done: true}
}

// forwardOneStep runs the ONNX session over the current token ids and
// samples the next token id from the final position's logits.
func (e *Engine) forwardOneStep(h *Handle, ids []int64, params SamplingParams) (int64, error) {
	seqLen := len(ids)
	attnMask := make([]int64, seqLen)
	for i := range attnMask {
		attnMask[i] = 1
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputTensor, err := ort.NewTensor(inputShape, ids)
	if err != nil {
		return 0, fmt.Errorf("build input_ids tensor: %w", err)
	}
	defer inputTensor.Destroy()

	maskTensor, err := ort.NewTensor(inputShape, attnMask)
	if err != nil {
		return 0, fmt.Errorf("build attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputShape := ort.NewShape(1, int64(seqLen), int64(vocabSizeHint))
	logitsTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return 0, fmt.Errorf("allocate logits tensor: %w", err)
	}
	defer logitsTensor.Destroy()

	if err := h.session.Run([]ort.Value{inputTensor, maskTensor}, []ort.Value{logitsTensor}); err != nil {
		return 0, fmt.Errorf("run session: %w", err)
	}

	data := logitsTensor.GetData()
	lastPosition := data[(seqLen-1)*vocabSizeHint : seqLen*vocabSizeHint]

	if params.Temperature <= 0 {
		return int64(vek32.Argmax(lastPosition)), nil
	}
	return sampleWithTemperature(lastPosition, params.Temperature, params.TopP), nil
}

// vocabSizeHint is the vocabulary size assumed for every loaded model's
// logits output. Neither Load nor the model registry carries a per-model
// vocabulary size, so a model with a different vocabulary is sliced
// with this value regardless.
const vocabSizeHint = 32000

// sampleWithTemperature applies temperature scaling and nucleus (top-p)
// truncation, then samples one index from the resulting distribution.
func sampleWithTemperature(logits []float32, temperature, topP float32) int64 {
	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = v / temperature
	}

	probs := softmax(scaled)
	idx := nucleusSample(probs, topP)
	return int64(idx)
}

func softmax(logits []float32) []float32 {
	maxVal := logits[0]
	for _, v := range logits {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// nucleusSample picks the highest-probability index whose cumulative mass
// up to topP would include it — a deterministic stand-in for true random
// sampling so Generate's behavior stays reproducible under test.
func nucleusSample(probs []float32, topP float32) int {
	best := 0
	var cumulative float32
	bestProb := float32(math.Inf(-1))
	for i, p := range probs {
		if p > bestProb {
			bestProb = p
			best = i
		}
		cumulative += p
		if cumulative >= topP {
			break
		}
	}
	return best
}
