package main

import (
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json was given, in which case v is
// printed instead.
func (c *cli) printTable(v any, header table.Row, rows []table.Row) error {
	if c.jsonOut {
		return printJSON(c.stdout, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(c.stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}
