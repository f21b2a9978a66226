package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how skyctl renders API responses.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter renders command results in the selected format.
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter renders to stdout.
func NewOutputter(format string) *Outputter {
	return &Outputter{format: OutputFormat(format), writer: os.Stdout}
}

// NewOutputterTo renders to w. Used by command tests.
func NewOutputterTo(format string, w io.Writer) *Outputter {
	return &Outputter{format: OutputFormat(format), writer: w}
}

// Render emits data in the configured format. Table output uses the supplied
// headers and rows, with a "Total: N <noun>" footer when noun is non-empty;
// json and yaml encode data directly and ignore the table arguments.
func (o *Outputter) Render(data interface{}, headers []string, rows [][]string, noun string) error {
	switch o.format {
	case OutputJSON:
		enc := json.NewEncoder(o.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)

	case OutputYAML:
		enc := yaml.NewEncoder(o.writer)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)

	case OutputTable:
		table := tablewriter.NewWriter(o.writer)
		cells := make([]any, len(headers))
		for i, h := range headers {
			cells[i] = h
		}
		table.Header(cells...)
		for _, row := range rows {
			table.Append(row)
		}
		table.Render()
		if noun != "" {
			fmt.Fprintf(o.writer, "\nTotal: %d %s\n", len(rows), noun)
		}
		return nil

	default:
		return fmt.Errorf("unknown output format %q (want table, json, or yaml)", o.format)
	}
}

// FormatTime renders a timestamp for a table cell; the zero time prints as
// "-" (never heartbeated, no activity yet).
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
