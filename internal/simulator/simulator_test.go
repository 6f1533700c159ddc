package simulator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"posestream-go/internal/relay"
	"posestream-go/internal/types"
)

func TestClassifyEvent(t *testing.T) {
	if got := ClassifyEvent(standing); got != types.NoEvent {
		t.Fatalf("standing classified as %q", got)
	}

	jump := standing
	jump[0].Y = 2.0
	if got := ClassifyEvent(jump); got != "Jump" {
		t.Fatalf("nose at 2.0 classified as %q", got)
	}

	crouched := standing
	for _, i := range []int{9, 10} {
		crouched[i].Y = 0.25
	}
	if got := ClassifyEvent(crouched); got != "Fall-down" {
		t.Fatalf("hips near ankles classified as %q", got)
	}

	// Jump wins over fall when both hold.
	both := crouched
	both[0].Y = 2.1
	if got := ClassifyEvent(both); got != "Jump" {
		t.Fatalf("expected jump to take precedence, got %q", got)
	}
}

func TestPoseScenario(t *testing.T) {
	cases := []struct {
		at   time.Duration
		want string
	}{
		{time.Second, types.NoEvent},
		{jumpAt + jumpFor/2, "Jump"},
		{fallAt + fallFor/2, "Fall-down"},
		{cycle + time.Second, types.NoEvent},
	}
	for _, tc := range cases {
		if got := ClassifyEvent(Pose(tc.at)); got != tc.want {
			t.Fatalf("Pose(%s) classified as %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestPoseMessageRoundTrips(t *testing.T) {
	joints := Pose(1234 * time.Millisecond)
	joints[0].X = 0.123456
	payload, err := PoseMessage(types.PoseUpdate{
		Joints:      joints,
		RMSE:        0.025,
		CaptureTime: "2024-03-01_12-30-45.123",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(payload), `"event_name":"None"`) {
		t.Fatalf("empty event not sent as None: %s", payload)
	}

	update, err := relay.DecodePose(payload)
	if err != nil {
		t.Fatalf("relay rejected simulator output: %v", err)
	}
	if update.Joints[0].X != 0.123 {
		t.Fatalf("coordinate not rounded: %v", update.Joints[0].X)
	}
	if update.RMSE != 0.025 || update.CaptureTime != "2024-03-01_12-30-45.123" {
		t.Fatalf("unexpected update %+v", update)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"3D_points", "rmse", "capture_time", "event_name"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing key %q", key)
		}
	}
}

func TestStreamEmitsUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updates := Stream(ctx, 200, time.UTC)

	select {
	case update := <-updates:
		if _, err := time.Parse(types.ExactLayout, update.CaptureTime); err != nil {
			t.Fatalf("bad capture time %q: %v", update.CaptureTime, err)
		}
		if update.EventName == "" {
			t.Fatalf("event label missing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
}
