package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"posestream-go/internal/logging"
	"posestream-go/internal/output"
	"posestream-go/internal/wire"
)

// countingReader tracks the stream offset so framing errors can be located.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func main() {
	var (
		path      = flag.String("path", "", "Capture of concatenated wire messages; - reads stdin")
		limit     = flag.Int("limit", 5, "Max number of messages to print; 0 prints all")
		extract   = flag.String("extract", "", "Write each image under this directory")
		maxHeader = flag.Uint("max-header", wire.MaxHeaderBytes, "Largest accepted header in bytes")
	)
	flag.Parse()
	logger := logging.Init("frame-decode", "info")

	if *path == "" {
		logger.Fatal().Msg("missing -path")
	}
	var in io.Reader = os.Stdin
	if *path != "-" {
		f, err := os.Open(*path)
		if err != nil {
			logger.Fatal().Err(err).Msg("open")
		}
		defer f.Close()
		in = f
	}

	limits := wire.DefaultLimits()
	limits.MaxHeaderBytes = uint32(*maxHeader)
	reader := &countingReader{r: bufio.NewReader(in)}

	cameras := map[string]int{}
	var count, imageBytes int
	for {
		offset := reader.n
		msg, err := wire.ReadMessage(reader, limits)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Int64("offset", offset).Int("message", count).Msg("framing broken, stopping")
			break
		}
		count++
		imageBytes += len(msg.Image)
		cameras[msg.Header.CameraName]++

		if *limit == 0 || count <= *limit {
			fmt.Printf("message %d @%d\n", count-1, offset)
			fmt.Printf("  camera:  %s\n", msg.Header.CameraName)
			fmt.Printf("  exact:   %s\n", msg.Header.ExactTimeStamp)
			fmt.Printf("  slotted: %s\n", msg.Header.SlottedTimeStamp)
			fmt.Printf("  image:   %d bytes\n", len(msg.Image))
		}
		if *extract != "" {
			written, err := output.WriteCapture(*extract, msg.Frame())
			if err != nil {
				logger.Warn().Err(err).Int("message", count-1).Msg("extract failed")
				continue
			}
			logger.Debug().Str("path", filepath.Clean(written)).Msg("extracted")
		}
	}

	fmt.Printf("summary: messages=%d image_bytes=%d cameras=%v\n", count, imageBytes, cameras)
}
