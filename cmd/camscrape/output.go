package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// outputFormat selects how command results are rendered.
type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch outputFormat(s) {
	case "", formatTable:
		return formatTable, nil
	case formatJSON:
		return formatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table or json)", s)
}

// printer renders a command result as an indented JSON document or as an
// aligned table.
type printer struct {
	format outputFormat
	w      io.Writer
}

// newPrinter builds a printer from the command's --output flag.
func newPrinter(cmd *cobra.Command, w io.Writer) (*printer, error) {
	s, _ := cmd.Flags().GetString("output")
	format, err := parseOutputFormat(s)
	if err != nil {
		return nil, err
	}
	return &printer{format: format, w: w}, nil
}

// print writes view as JSON, or header and rows as a table. rows is only
// called for table output.
func (p *printer) print(view any, header []string, rows func() [][]string) error {
	if p.format == formatJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows() {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
