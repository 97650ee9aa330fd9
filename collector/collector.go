// The argus collector forwards detections produced by local sensor
// tooling to an argus server. It reads newline-delimited JSON detection
// records and submits them in batches.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/argus/signal"
)

// Flags
var (
	identifier  = flag.String("id", "", "unique identifier of this collector instance (defaults to a random UUID)")
	server      = flag.String("server", "http://localhost:8443", "URL scheme, address and port of the argus server.")
	input       = flag.String("input", "-", "Path of the NDJSON detections file to read, - for stdin.")
	batchSize   = flag.Int("batchSize", 100, "Defines how many detections should be sent to the server at once.")
	defaultType = flag.String("source", string(signal.SourceSweepSensor), "Source to stamp on detections that carry none.")
)

const batchEndpoint = "argus/v1/signals/batch"

type batchResponse struct {
	InsertedCount int `json:"insertedCount"`
	TotalReceived int `json:"totalReceived"`
	ValidCount    int `json:"validCount"`
}

func send(serverURL string, batch []signal.Detection) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("error marshalling batch to JSON: %w", err)
	}
	resp, err := http.Post(fmt.Sprintf("%s/%s", strings.TrimRight(serverURL, "/"), batchEndpoint), "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("error POSTing batch: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading POST response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server rejected batch: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	result := batchResponse{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("error decoding POST response: %w", err)
	}
	glog.Infof("submitted %d detections to server %s (%d valid, %d inserted)",
		result.TotalReceived, serverURL, result.ValidCount, result.InsertedCount)
	return nil
}

func run(r io.Reader) error {
	counts := map[string]int{
		"error":   0,
		"success": 0,
		"total":   0,
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var batch []signal.Detection
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := send(*server, batch); err != nil {
			counts["error"] += len(batch)
			glog.Warningf("error sending batch: %s", err)
		} else {
			counts["success"] += len(batch)
		}
		batch = nil
	}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		counts["total"] += 1
		var d signal.Detection
		if err := json.Unmarshal(line, &d); err != nil {
			counts["error"] += 1
			glog.Warningf("skipping unparseable detection line: %s", err)
			continue
		}
		if d.Source == "" {
			d.Source = signal.Source(*defaultType)
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		if _, ok := d.Metadata["collectorId"]; !ok {
			d.Metadata["collectorId"] = *identifier
		}
		batch = append(batch, d)
		if len(batch) >= *batchSize {
			flush()
		}
	}
	flush()
	glog.Infof("detection forward counts: %+v", counts)
	return scanner.Err()
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	flag.Parse()

	if *identifier == "" {
		*identifier = uuid.NewString()
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			glog.Exitf("unable to open input %q: %s", *input, err)
		}
		defer f.Close()
		r = f
	}
	if err := run(r); err != nil {
		glog.Exit(err)
	}

	glog.Flush()
}
