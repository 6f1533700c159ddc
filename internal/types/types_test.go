package types

import "testing"

func TestBoneTopologyIndicesInRange(t *testing.T) {
	for i, pair := range BoneTopology {
		for _, idx := range pair {
			if idx < 0 || idx >= JointCount {
				t.Fatalf("bone %d references joint %d", i, idx)
			}
		}
	}
}

func TestHeaderMatchesImageLength(t *testing.T) {
	frame := CaptureFrame{
		CameraName:       "Camera1",
		ExactTimestamp:   "2024-01-01_10-00-00.123",
		SlottedTimestamp: "2024-01-01_10-00-00.0",
		Image:            []byte{1, 2, 3, 4},
	}
	h := frame.Header()
	if h.ImageDataLength != 4 {
		t.Fatalf("unexpected length: %d", h.ImageDataLength)
	}
	if h.CameraName != "Camera1" || h.SlottedTimeStamp != frame.SlottedTimestamp {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestHasEvent(t *testing.T) {
	cases := map[string]bool{
		"":          false,
		"None":      false,
		"Fall-down": true,
		"Jump":      true,
	}
	for label, want := range cases {
		if got := (PoseUpdate{EventName: label}).HasEvent(); got != want {
			t.Fatalf("HasEvent(%q) = %v, want %v", label, got, want)
		}
	}
}
