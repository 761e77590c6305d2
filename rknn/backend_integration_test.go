//go:build integration
// +build integration

package rknn

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/swdee/go-posepipe"
	"github.com/swdee/go-posepipe/pose"
	"github.com/swdee/go-posepipe/source"
)

// TestPoseInOrder runs a video through the NPU with several slots and checks
// results are delivered in read order with 17 keypoints per person
func TestPoseInOrder(t *testing.T) {

	modelFile := os.Getenv("RKNN_MODEL")

	if modelFile == "" {
		t.Fatalf("No Model file provided in RKNN_MODEL")
	}

	vidFile := os.Getenv("RKNN_VIDEO")

	if vidFile == "" {
		t.Fatalf("No Video file provided in RKNN_VIDEO")
	}

	backend, err := New(Config{
		Model:       modelFile,
		Slots:       3,
		Platform:    "rk3588",
		CPUAffinity: "fast",
	}, zerolog.Nop())

	if err != nil {
		t.Fatalf("Error creating backend: %v", err)
	}

	defer backend.Close()

	src, err := source.Open(vidFile, false)

	if err != nil {
		t.Fatalf("Error opening video: %v", err)
	}

	defer src.Close()

	sched, err := posepipe.NewScheduler[*source.Frame, pose.Poses](backend, 3)

	if err != nil {
		t.Fatal(err)
	}

	next := 0
	persons := 0

	deliver := func(c posepipe.Completed[*source.Frame, pose.Poses]) {
		if c.Frame.Index != next {
			t.Fatalf("frame %d delivered, want %d", c.Frame.Index, next)
		}

		for _, p := range c.Result.Persons {
			if len(p.KeyPoints) != pose.KeyPointsTotal {
				t.Fatalf("person with %d keypoints", len(p.KeyPoints))
			}
		}

		persons += c.Result.Len()
		next++
		c.Frame.Close()
	}

	ctx := context.Background()

	for next < 60 {
		c, ok, err := sched.Next()

		if err != nil {
			t.Fatal(err)
		}

		if ok {
			deliver(c)
			continue
		}

		if sched.SlotAvailable() {
			f, err := src.Read()

			if errors.Is(err, posepipe.ErrSourceExhausted) {
				break
			}

			if err != nil {
				t.Fatal(err)
			}

			if _, err := sched.Submit(f, posepipe.Meta{Start: time.Now()}); err != nil {
				t.Fatal(err)
			}

			continue
		}

		if _, err := sched.AwaitAny(ctx, time.Second); err != nil {
			t.Fatal(err)
		}
	}

	rest, err := sched.Drain(ctx)

	if err != nil {
		t.Fatal(err)
	}

	for _, c := range rest {
		deliver(c)
	}

	t.Logf("frames=%d persons=%d", next, persons)
}
