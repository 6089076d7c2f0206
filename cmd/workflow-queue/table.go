package main

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

var headerCaser = cases.Title(language.English)

// columnHeader turns a snake_case column name into a display header.
func columnHeader(name string) string {
	return headerCaser.String(strings.ReplaceAll(name, "_", " "))
}

// renderTable draws rows with the rounded style. Quiet output has no header
// and no borders so it can be piped into other tools.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment, quiet bool) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	if quiet {
		style := table.StyleLight
		style.Options = table.OptionsNoBordersAndSeparators
		style.Box.PaddingLeft = ""
		style.Box.PaddingRight = "  "
		tw.SetStyle(style)
	} else {
		tw.SetStyle(table.StyleRounded)
		header := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			header[i] = headers[i]
		}
		tw.AppendHeader(header)
	}

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render() + "\n"
}
