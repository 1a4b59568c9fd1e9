package tabular

// ParsedRow maps detected column roles to raw cell values for one data row.
// Index is the row's position in the original file (0-based over data rows)
// and is kept for traceability. Immutable once produced.
type ParsedRow struct {
	Index int             `json:"index"`
	Cells map[Role]string `json:"cells"`
	Raw   []string        `json:"raw"`
}

// BuildRows projects every table row through the detected column map. Exactly
// one ParsedRow is produced per data row.
func BuildRows(t *Table, cols ColumnMap) []ParsedRow {
	rows := make([]ParsedRow, 0, len(t.Rows))
	for i, raw := range t.Rows {
		cells := make(map[Role]string, len(cols))
		for role, col := range cols {
			if col.Index < len(raw) {
				cells[role] = raw[col.Index]
			} else {
				cells[role] = ""
			}
		}
		rows = append(rows, ParsedRow{Index: i, Cells: cells, Raw: raw})
	}
	return rows
}
