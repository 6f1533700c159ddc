package simulator

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"posestream-go/internal/types"
)

const (
	fallThreshold = 0.2
	jumpThreshold = 2.0
)

// standing is a neutral pose in meters, y up, facing the camera.
var standing = [types.JointCount]types.JointPosition{
	{X: 0, Y: 1.70, Z: 0},     // nose
	{X: -0.04, Y: 1.74, Z: 0}, // left eye
	{X: 0.04, Y: 1.74, Z: 0},  // right eye
	{X: -0.20, Y: 1.45, Z: 0}, // left shoulder
	{X: 0.20, Y: 1.45, Z: 0},  // right shoulder
	{X: -0.28, Y: 1.15, Z: 0}, // left elbow
	{X: 0.28, Y: 1.15, Z: 0},  // right elbow
	{X: -0.30, Y: 0.90, Z: 0}, // left wrist
	{X: 0.30, Y: 0.90, Z: 0},  // right wrist
	{X: -0.12, Y: 0.95, Z: 0}, // left hip
	{X: 0.12, Y: 0.95, Z: 0},  // right hip
	{X: -0.13, Y: 0.50, Z: 0}, // left knee
	{X: 0.13, Y: 0.50, Z: 0},  // right knee
	{X: -0.14, Y: 0.08, Z: 0}, // left ankle
	{X: 0.14, Y: 0.08, Z: 0},  // right ankle
}

// Scenario timing within one cycle.
const (
	cycle     = 12 * time.Second
	jumpAt    = 7 * time.Second
	jumpFor   = 800 * time.Millisecond
	fallAt    = 9 * time.Second
	fallFor   = 2 * time.Second
	jumpLift  = 0.6
	lyingBase = 0.15
)

// ClassifyEvent labels a pose "Jump" when the nose is at or above 2m, and
// "Fall-down" when the torso or legs have collapsed to within 20cm in height.
func ClassifyEvent(joints [types.JointCount]types.JointPosition) string {
	avgY := func(a, b int) float64 { return (joints[a].Y + joints[b].Y) / 2 }
	hipY := avgY(9, 10)
	shoulderY := avgY(3, 4)
	ankleY := avgY(13, 14)

	if joints[0].Y >= jumpThreshold {
		return "Jump"
	}
	if math.Abs(shoulderY-hipY) <= fallThreshold || math.Abs(hipY-ankleY) <= fallThreshold {
		return "Fall-down"
	}
	return types.NoEvent
}

// Pose returns the figure at elapsed time into the scenario: swaying, then a
// jump, then lying on the floor, repeating every cycle.
func Pose(elapsed time.Duration) [types.JointCount]types.JointPosition {
	phase := elapsed % cycle
	secs := elapsed.Seconds()
	sway := 0.05 * math.Sin(2*math.Pi*secs/3)
	breathe := 0.01 * math.Sin(2*math.Pi*secs/4)

	out := standing
	for i := range out {
		out[i].X += sway
		out[i].Z = 0.03 * math.Cos(2*math.Pi*secs/5)
		if i < 9 {
			out[i].Y += breathe
		}
	}

	switch {
	case phase >= jumpAt && phase < jumpAt+jumpFor:
		t := float64(phase-jumpAt) / float64(jumpFor)
		lift := jumpLift * math.Sin(math.Pi*t)
		for i := range out {
			out[i].Y += lift
		}
	case phase >= fallAt && phase < fallAt+fallFor:
		// Lying along x: heights collapse, length moves to the x axis.
		for i := range out {
			out[i].X = standing[i].Y - 0.9 + sway
			out[i].Y = lyingBase + 0.02*standing[i].X
		}
	}
	return out
}

// Stream emits a simulated pose update at rate per second until ctx is done.
// Capture times are written in loc.
func Stream(ctx context.Context, rate float64, loc *time.Location) <-chan types.PoseUpdate {
	out := make(chan types.PoseUpdate)
	if loc == nil {
		loc = time.Local
	}
	go func() {
		defer close(out)

		if rate <= 0 {
			rate = 30
		}
		interval := time.Duration(float64(time.Second) / rate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		start := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				joints := Pose(now.Sub(start))
				update := types.PoseUpdate{
					Joints:      joints,
					RMSE:        math.Max(0, 0.02+rand.NormFloat64()*0.004),
					CaptureTime: now.In(loc).Format(types.ExactLayout),
					EventName:   ClassifyEvent(joints),
				}
				select {
				case <-ctx.Done():
					return
				case out <- update:
				}
			}
		}
	}()
	return out
}

type poseMessage struct {
	Points      []types.JointPosition `json:"3D_points"`
	RMSE        float64               `json:"rmse"`
	CaptureTime string                `json:"capture_time"`
	EventName   string                `json:"event_name"`
}

// PoseMessage encodes update as the JSON text a pose client expects, with
// coordinates rounded to millimeters. An empty event is sent as "None".
func PoseMessage(update types.PoseUpdate) ([]byte, error) {
	msg := poseMessage{
		Points:      make([]types.JointPosition, 0, types.JointCount),
		RMSE:        update.RMSE,
		CaptureTime: update.CaptureTime,
		EventName:   update.EventName,
	}
	if msg.EventName == "" {
		msg.EventName = types.NoEvent
	}
	for _, j := range update.Joints {
		msg.Points = append(msg.Points, types.JointPosition{X: round3(j.X), Y: round3(j.Y), Z: round3(j.Z)})
	}
	return json.Marshal(msg)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
