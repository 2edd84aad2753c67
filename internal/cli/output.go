// Package cli implements flowctl's subcommands against a directly
// wired bootstrap.Engine rather than an HTTP API client, since HTTP
// request handling and CLI surfaces are external collaborators of the
// engine itself.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output renders command results as either a tab-aligned table or JSON.
type Output struct {
	jsonMode bool
	w        io.Writer
}

// NewOutput constructs an Output; jsonMode selects JSON over table rendering.
func NewOutput(jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: os.Stdout}
}

// Print renders rows as a table, or jsonData as JSON when jsonMode is set.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table writes headers and rows through a tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// JSON writes data as indented JSON.
func (o *Output) JSON(data any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

// Line writes a single plain line, bypassing table/JSON formatting.
func (o *Output) Line(format string, args ...any) {
	fmt.Fprintf(o.w, format+"\n", args...)
}
