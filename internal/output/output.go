package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/trend"
)

// Format of written files
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts json, jsonl (or ndjson) and yaml (or yml)
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Report is the published result of one run
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Source      trend.Source      `json:"source"`
	SnapshotID  string            `json:"snapshot_id"`
	Partial     bool              `json:"partial"`
	Products    []product.Output  `json:"products"`
	Quality     product.Quality   `json:"quality"`
	Diff        *trend.DiffResult `json:"diff,omitempty"`
}

// NewReport builds a report from a sealed snapshot and its diff, scoring the
// snapshot's data quality
func NewReport(snap trend.Snapshot, diff *trend.DiffResult) Report {
	records := snap.Records()
	products := make([]product.Output, len(records))
	for i, r := range records {
		products[i] = r.ToOutput()
	}
	return Report{
		GeneratedAt: time.Now().UTC(),
		Source:      snap.Source(),
		SnapshotID:  snap.ID(),
		Partial:     snap.Partial(),
		Products:    products,
		Quality:     product.Assess(records),
		Diff:        diff,
	}
}

// WriteReport encodes report in format. JSONL writes one product per line;
// the diff is not part of it.
func WriteReport(w io.Writer, format Format, report Report) error {
	if format == FormatJSONL {
		return EncodeLines(w, report.Products)
	}
	return Encode(w, format, report)
}

// WriteReportFile writes report to path through a temporary file
func WriteReportFile(path string, format Format, report Report) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteReport(w, format, report)
	})
}

// Encode writes v as indented JSON or as YAML. The YAML form keeps the JSON
// field names and order.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON, FormatJSONL:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	case FormatYAML:
		return encodeYAML(w, v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// EncodeLines writes one compact JSON document per item
func EncodeLines[T any](w io.Writer, items []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to encode line %d: %w", i+1, err)
		}
	}
	return bw.Flush()
}

// encodeYAML reuses the JSON encoding so json tags and custom marshalers apply
func encodeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles JSON input leaves on every node.
// The encoder still quotes strings that would otherwise read as another type.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func writeFile(path string, fn func(w io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move output file: %w", err)
	}
	return nil
}
