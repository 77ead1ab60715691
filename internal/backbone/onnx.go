package backbone

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Brownie44l1/scanfood-api/internal/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const ONNXName = "onnx"

var (
	envMu    sync.Mutex
	envUsers int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envUsers == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envUsers--
	if envUsers == 0 {
		ort.DestroyEnvironment()
	}
}

// ONNX runs a headless pretrained network (for instance a MobileNetV3 with its
// classifier removed) exported with input [1,3,S,S] and output [1,D]. It keeps
// a fixed pool of sessions; Extract borrows one, so up to Sessions calls run in
// parallel.
type ONNX struct {
	dim       int
	imageSize int

	sessions chan *onnxSession
	size     int

	closeOnce sync.Once
	closeErr  error
}

// onnxSession owns a single pair of tensors and may serve one Run at a time.
type onnxSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newONNXSession(cfg ONNXConfig, inputName, outputName string, imageSize int) (*onnxSession, error) {
	edge := int64(imageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, edge, edge))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.FeatureDim)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &onnxSession{session: session, inputTensor: inputTensor, outputTensor: outputTensor}, nil
}

func (s *onnxSession) destroy() error {
	var errs []error
	if err := s.inputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.outputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.session.Destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func NewONNX(cfg ONNXConfig, imageSize int) (*ONNX, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx backbone: model path is not configured")
	}
	if cfg.FeatureDim <= 0 {
		return nil, errors.New("onnx backbone: feature dimension is not configured")
	}
	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName == "" {
		inputName = "input"
	}
	if outputName == "" {
		outputName = "features"
	}
	size := max(1, cfg.Sessions)

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	o := &ONNX{
		dim:       cfg.FeatureDim,
		imageSize: imageSize,
		sessions:  make(chan *onnxSession, size),
		size:      size,
	}
	for i := 0; i < size; i++ {
		s, err := newONNXSession(cfg, inputName, outputName, imageSize)
		if err != nil {
			close(o.sessions)
			for opened := range o.sessions {
				opened.destroy()
			}
			releaseEnvironment()
			return nil, err
		}
		o.sessions <- s
	}
	return o, nil
}

func (o *ONNX) Name() string { return ONNXName }

func (o *ONNX) Dim() int { return o.dim }

// Sessions is the number of Extract calls that can run at once.
func (o *ONNX) Sessions() int { return o.size }

func (o *ONNX) Extract(t imaging.Tensor) ([]float32, error) {
	if t.Size != o.imageSize {
		return nil, fmt.Errorf("onnx backbone expects %dx%d input, got %dx%d", o.imageSize, o.imageSize, t.Size, t.Size)
	}

	s, ok := <-o.sessions
	if !ok {
		return nil, errors.New("onnx backbone is closed")
	}
	defer func() { o.sessions <- s }()

	copy(s.inputTensor.GetData(), t.Data)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	features := make([]float32, o.dim)
	copy(features, s.outputTensor.GetData())
	return features, nil
}

// Close waits for in-flight Extract calls to return their sessions, then
// destroys them.
func (o *ONNX) Close() error {
	o.closeOnce.Do(func() {
		var errs []error
		for i := 0; i < o.size; i++ {
			if err := (<-o.sessions).destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		close(o.sessions)
		releaseEnvironment()
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}
