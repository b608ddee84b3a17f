package audit

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// workbook streams sheets into one xlsx file. Only one table is open at a time.
type workbook struct {
	f      *excelize.File
	bold   int
	sheets int
}

func newWorkbook() (*workbook, error) {
	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}
	return &workbook{f: f, bold: bold}, nil
}

// table is a streamed sheet with a styled header row.
type table struct {
	sw   *excelize.StreamWriter
	next int
}

// table starts sheet name. The first call reuses the default sheet.
func (b *workbook) table(name string, widths []float64, header ...string) (*table, error) {
	if b.sheets == 0 {
		if err := b.f.SetSheetName(b.f.GetSheetName(0), name); err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
	} else if _, err := b.f.NewSheet(name); err != nil {
		return nil, fmt.Errorf("sheet %q: %w", name, err)
	}
	b.sheets++

	sw, err := b.f.NewStreamWriter(name)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", name, err)
	}
	for i, w := range widths {
		if err := sw.SetColWidth(i+1, i+1, w); err != nil {
			return nil, err
		}
	}
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := sw.SetRow("A1", cells, excelize.RowOpts{StyleID: b.bold}); err != nil {
		return nil, err
	}
	return &table{sw: sw, next: 2}, nil
}

func (t *table) add(values ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, t.next)
	if err != nil {
		return err
	}
	t.next++
	return t.sw.SetRow(cell, values)
}

func (t *table) done() error {
	return t.sw.Flush()
}

func (b *workbook) writeTo(out io.Writer) error {
	_, err := b.f.WriteTo(out)
	return err
}

func (b *workbook) close() error {
	return b.f.Close()
}
