package output

import (
	"fmt"
	"os"
	"path/filepath"

	"posestream-go/internal/types"
)

// CapturePath is where a frame is persisted:
// <dir>/<camera>/<camera>_ScreenShot_<slotted>.jpg
func CapturePath(outputDir string, frame types.CaptureFrame) string {
	name := fmt.Sprintf("%s_ScreenShot_%s.jpg", frame.CameraName, frame.SlottedTimestamp)
	return filepath.Join(outputDir, frame.CameraName, name)
}

// WriteCapture stores the frame's image bytes and returns the file path.
func WriteCapture(outputDir string, frame types.CaptureFrame) (string, error) {
	path := CapturePath(outputDir, frame)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, frame.Image, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
