package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Archive packages a completed job's result as a zip holding both the
// structured (result.json) and tabular (result.csv) representations.
func Archive(result json.RawMessage) ([]byte, error) {
	var parsed struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	jsonFile, err := zw.Create("result.json")
	if err != nil {
		return nil, fmt.Errorf("create result.json: %w", err)
	}
	if _, err := jsonFile.Write(result); err != nil {
		return nil, fmt.Errorf("write result.json: %w", err)
	}

	csvFile, err := zw.Create("result.csv")
	if err != nil {
		return nil, fmt.Errorf("create result.csv: %w", err)
	}
	if err := writeCSV(csvFile, parsed.Rows); err != nil {
		return nil, fmt.Errorf("write result.csv: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCSV(w io.Writer, rows []map[string]any) error {
	cw := csv.NewWriter(w)

	header := columnOrder(rows)
	if len(header) == 0 {
		return cw.Error()
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[i] = formatCell(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// columnOrder is the sorted union of all row keys, so ragged rows still land
// in consistent columns.
func columnOrder(rows []map[string]any) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(raw)
	}
}
