package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadFile loads every outcome from a metrics log.
func ReadFile(path string) ([]Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	outcomes, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return outcomes, nil
}

// Read parses a metrics log. Columns are located by header name so logs
// without the node or error columns are still accepted.
func Read(r io.Reader) ([]Outcome, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"timestamp", "latency_ms", "success"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var outcomes []Outcome
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := strconv.ParseFloat(field(rec, "timestamp"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp: %w", line, err)
		}
		latency, err := strconv.ParseFloat(field(rec, "latency_ms"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid latency_ms: %w", line, err)
		}
		success, err := strconv.ParseBool(field(rec, "success"))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid success flag: %w", line, err)
		}

		outcomes = append(outcomes, Outcome{
			Timestamp: ts,
			Node:      field(rec, "node"),
			LatencyMS: latency,
			Success:   success,
			Error:     field(rec, "error"),
		})
	}

	return outcomes, nil
}
