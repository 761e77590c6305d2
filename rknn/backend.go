// Package rknn runs YOLOv8-pose inference on the Rockchip NPU as a posepipe
// Backend.
package rknn

import (
	"context"
	"fmt"
	"image/color"
	"sync"

	"github.com/rs/zerolog"
	"github.com/swdee/go-posepipe"
	"github.com/swdee/go-posepipe/pose"
	"github.com/swdee/go-posepipe/source"
	"github.com/swdee/go-rknnlite"
	"github.com/swdee/go-rknnlite/postprocess"
	"github.com/swdee/go-rknnlite/preprocess"
	"gocv.io/x/gocv"
)

// letterboxColor is the padding color used when letterbox resizing
var letterboxColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}

// Config defines the NPU backend settings
type Config struct {
	// Model is the RKNN compiled YOLOv8-pose model file
	Model string
	// Slots is the number of runtimes to load, one per inference slot
	Slots int
	// Platform is the Rockchip SoC, eg: rk3588
	Platform string
	// CPUAffinity pins the process to fast, slow or all cores, or none
	CPUAffinity string
	// BoxThreshold and NMSThreshold override the post processing defaults
	// when non-zero
	BoxThreshold float32
	NMSThreshold float32
}

// slotState is the per slot preprocessing and post processing state, owned by
// whichever request currently holds the slot
type slotState struct {
	decoder *postprocess.YOLOv8Pose
	resizer *preprocess.Resizer
	rgb     gocv.Mat
	resized gocv.Mat
}

// Backend runs inference across a pool of RKNN runtimes
type Backend struct {
	*posepipe.FuncBackend[*source.Frame, pose.Poses]

	pool   *rknnlite.Pool
	width  int
	height int
	slots  []*slotState
	log    zerolog.Logger
	close  sync.Once
}

// New loads cfg.Slots runtimes of the model and returns the backend
func New(cfg Config, log zerolog.Logger) (*Backend, error) {

	if cfg.Slots < 1 {
		return nil, fmt.Errorf("invalid slot count %d", cfg.Slots)
	}

	log = log.With().Str("component", "rknn").Logger()

	if _, _, err := coreType(cfg.CPUAffinity); err != nil {
		return nil, err
	}

	err := setAffinity(cfg.Platform, cfg.CPUAffinity)

	if err != nil {
		// not fatal, inference still runs on the default cores
		log.Warn().Err(err).Msg("Failed to set CPU Affinity")
	}

	pool, err := rknnlite.NewPool(cfg.Slots, cfg.Model)

	if err != nil {
		return nil, fmt.Errorf("error creating RKNN pool: %w", err)
	}

	// YOLOv8-pose outputs int8 box tensors and a fp16 keypoint tensor, so
	// leave outputs unconverted on every runtime
	runtimes := make([]*rknnlite.Runtime, cfg.Slots)

	for i := range runtimes {
		runtimes[i] = pool.Get()
		runtimes[i].SetWantFloat(false)
	}

	inputAttrs, err := runtimes[0].QueryInputTensors()

	for _, rt := range runtimes {
		pool.Return(rt)
	}

	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("error querying input tensors: %w", err)
	}

	params := postprocess.YOLOv8PoseCOCOParams()

	if cfg.BoxThreshold > 0 {
		params.BoxThreshold = cfg.BoxThreshold
	}

	if cfg.NMSThreshold > 0 {
		params.NMSThreshold = cfg.NMSThreshold
	}

	b := &Backend{
		pool:   pool,
		width:  int(inputAttrs[0].Dims[1]),
		height: int(inputAttrs[0].Dims[2]),
		slots:  make([]*slotState, cfg.Slots),
		log:    log,
	}

	for i := range b.slots {
		b.slots[i] = &slotState{
			decoder: postprocess.NewYOLOv8Pose(params),
			rgb:     gocv.NewMat(),
			resized: gocv.NewMat(),
		}
	}

	b.FuncBackend = posepipe.NewFuncBackend[*source.Frame, pose.Poses](b.infer)

	log.Info().Str("model", cfg.Model).Int("slots", cfg.Slots).
		Int("width", b.width).Int("height", b.height).
		Msg("Model loaded")

	return b, nil
}

// InputSize returns the model's input tensor width and height
func (b *Backend) InputSize() (int, int) {
	return b.width, b.height
}

// infer runs one frame through preprocessing, the NPU and pose decoding
func (b *Backend) infer(ctx context.Context, slot posepipe.Slot,
	frame *source.Frame) (pose.Poses, error) {

	if slot.ID < 0 || slot.ID >= len(b.slots) {
		return pose.Poses{}, fmt.Errorf("slot %d out of range", slot.ID)
	}

	st := b.slots[slot.ID]
	img := frame.Mat

	// frames can change size between images of a directory
	if st.resizer == nil || st.resizer.SrcWidth() != img.Cols() ||
		st.resizer.SrcHeight() != img.Rows() {

		if st.resizer != nil {
			st.resizer.Close()
		}

		st.resizer = preprocess.NewResizer(img.Cols(), img.Rows(), b.width, b.height)
	}

	// convert colorspace and letterbox resize image
	gocv.CvtColor(img, &st.rgb, gocv.ColorBGRToRGB)
	st.resizer.LetterBoxResize(st.rgb, &st.resized, letterboxColor)

	if err := ctx.Err(); err != nil {
		return pose.Poses{}, err
	}

	rt := b.pool.Get()
	outputs, err := rt.Inference([]gocv.Mat{st.resized})
	b.pool.Return(rt)

	if err != nil {
		return pose.Poses{}, fmt.Errorf("runtime inferencing failed with error: %w", err)
	}

	detectObjs := st.decoder.DetectObjects(outputs, st.resizer)
	keyPoints := st.decoder.GetPoseEstimation(detectObjs)
	boxes := detectObjs.GetDetectResults()

	// free outputs allocated in C memory after you have finished post processing
	err = outputs.Free()

	if err != nil {
		return pose.Poses{}, fmt.Errorf("error freeing outputs: %w", err)
	}

	res := pose.Poses{Persons: make([]pose.Person, 0, len(keyPoints))}

	for i, obj := range keyPoints {
		person := pose.Person{KeyPoints: make([]pose.KeyPoint, 0, len(obj))}

		for _, kp := range obj {
			person.KeyPoints = append(person.KeyPoints, pose.KeyPoint{
				X:     float32(kp.X),
				Y:     float32(kp.Y),
				Score: kp.Score,
			})
		}

		if i < len(boxes) {
			person.Score = boxes[i].Probability
		}

		res.Persons = append(res.Persons, person)
	}

	return res, nil
}

// Close waits for in flight inference to finish then releases the runtimes
// and per slot buffers
func (b *Backend) Close() error {

	b.close.Do(func() {
		b.FuncBackend.Close()
		b.pool.Close()

		for _, st := range b.slots {
			if st.resizer != nil {
				st.resizer.Close()
			}

			st.rgb.Close()
			st.resized.Close()
		}
	})

	return nil
}
