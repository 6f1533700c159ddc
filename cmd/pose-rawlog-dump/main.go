package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"posestream-go/internal/logging"
	"posestream-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to rawlog .bin file")
		limit = flag.Int("limit", 1, "Number of records to dump; 0 dumps all")
	)
	flag.Parse()
	logger := logging.Init("pose-rawlog-dump", "info")

	if *path == "" {
		logger.Fatal().Msg("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open rawlog")
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(bufio.NewReader(f))
	if err != nil {
		logger.Fatal().Err(err).Msg("read rawlog")
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.Fatal().Err(err).Int("record", count).Msg("read record")
		}
		count++
		update, err := record.Pose()
		if err != nil {
			logger.Warn().Err(err).Int("record", count-1).Msg("skipping record")
			continue
		}
		pretty, err := json.MarshalIndent(update, "", "  ")
		if err != nil {
			logger.Warn().Err(err).Int("record", count-1).Msg("JSON encode error")
			continue
		}

		logger.Info().
			Int("record", count-1).
			Str("timestamp", record.At.Format(time.RFC3339Nano)).
			Int("size", len(record.Payload)).
			Msg("record")
		fmt.Println(string(pretty))
	}
}
