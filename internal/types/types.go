package types

import "time"

// Timestamp layouts shared by the producer and the viewer, in Go reference form
// of yyyy-MM-dd_HH-mm-ss.fff.
const (
	ExactLayout  = "2006-01-02_15-04-05.000"
	SecondLayout = "2006-01-02_15-04-05"
)

// CaptureFrame is one image grabbed on a capture tick.
type CaptureFrame struct {
	CameraName       string
	ExactTimestamp   string
	SlottedTimestamp string
	CapturedAt       time.Time
	Image            []byte
}

// Header returns the wire header describing the frame.
func (f CaptureFrame) Header() FrameHeader {
	return FrameHeader{
		CameraName:       f.CameraName,
		ExactTimeStamp:   f.ExactTimestamp,
		SlottedTimeStamp: f.SlottedTimestamp,
		ImageDataLength:  len(f.Image),
	}
}

// FrameHeader is the JSON header that precedes the image bytes on the wire.
type FrameHeader struct {
	CameraName       string `json:"CameraName"`
	ExactTimeStamp   string `json:"ExactTimeStamp"`
	SlottedTimeStamp string `json:"SlottedTimeStamp"`
	ImageDataLength  int    `json:"ImageDataLength"`
}

// JointCount is the fixed number of tracked joints per pose.
const JointCount = 15

// NoEvent is the label the estimator sends when nothing was detected.
const NoEvent = "None"

type JointPosition struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

// PoseUpdate is one decoded pose message from the estimator.
type PoseUpdate struct {
	Joints      [JointCount]JointPosition `json:"3D_points" cbor:"3D_points"`
	RMSE        float64                   `json:"rmse" cbor:"rmse"`
	CaptureTime string                    `json:"capture_time" cbor:"capture_time"`
	EventName   string                    `json:"event_name,omitempty" cbor:"event_name,omitempty"`
}

// HasEvent reports whether the update carries a real event label.
func (p PoseUpdate) HasEvent() bool {
	return p.EventName != "" && p.EventName != NoEvent
}
