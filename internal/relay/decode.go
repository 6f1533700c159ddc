package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"posestream-go/internal/types"
)

var ErrMalformedPose = errors.New("relay: malformed pose message")

type poseMessage struct {
	Points      []types.JointPosition `json:"3D_points"`
	RMSE        *float64              `json:"rmse"`
	CaptureTime *string               `json:"capture_time"`
	EventName   *string               `json:"event_name"`
}

// DecodePose parses one inbound pose message. event_name is optional and
// defaults to empty; every other key is required.
func DecodePose(payload []byte) (types.PoseUpdate, error) {
	var msg poseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return types.PoseUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPose, err)
	}
	if len(msg.Points) != types.JointCount {
		return types.PoseUpdate{}, fmt.Errorf("%w: got %d joints, want %d", ErrMalformedPose, len(msg.Points), types.JointCount)
	}
	if msg.RMSE == nil {
		return types.PoseUpdate{}, fmt.Errorf("%w: missing rmse", ErrMalformedPose)
	}
	if msg.CaptureTime == nil {
		return types.PoseUpdate{}, fmt.Errorf("%w: missing capture_time", ErrMalformedPose)
	}

	var update types.PoseUpdate
	copy(update.Joints[:], msg.Points)
	update.RMSE = *msg.RMSE
	update.CaptureTime = *msg.CaptureTime
	if msg.EventName != nil {
		update.EventName = *msg.EventName
	}
	return update, nil
}
