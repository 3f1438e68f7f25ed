package files

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/xuri/excelize/v2"
)

// DefaultMaxRows is the number of sample rows rendered by SheetMarkdown.
const DefaultMaxRows = 15

// SheetNames returns the workbook's sheet names in tab order.
func SheetNames(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// SheetMarkdown renders a sheet for the model: the row count, a schema
// table with per-column metrics computed over every row, and the first
// maxRows data rows. The first row is the header.
func SheetMarkdown(path, sheet string, maxRows int) (string, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return "", fmt.Errorf("reading sheet %q: %w", sheet, err)
	}

	header, data := splitHeader(rows)
	shown := min(maxRows, len(data))

	var b strings.Builder
	fmt.Fprintf(&b, "## Excel Table: %s\n", sheet)
	fmt.Fprintf(&b, "Total rows: %d (showing %d)\n", len(data), shown)

	b.WriteString("\n### Schema and Metrics:\n")
	schema := [][]string{}
	for i, name := range header {
		schema = append(schema, describeColumn(name, column(data, i)).row())
	}
	writeMarkdownTable(&b, []string{"Column", "Data Type", "Min", "Max", "Median", "Unique Values", "Values", "% Missing"}, schema)

	b.WriteString("\n### Sample Data:\n")
	writeMarkdownTable(&b, header, data[:shown])
	return strings.TrimRight(b.String(), "\n"), nil
}

// splitHeader pads ragged rows to a common width and names blank headers
// the way pandas does.
func splitHeader(rows [][]string) ([]string, [][]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	padded := make([][]string, len(rows))
	for i, r := range rows {
		p := make([]string, width)
		copy(p, r)
		padded[i] = p
	}
	if len(padded) == 0 {
		return nil, nil
	}
	header := padded[0]
	for i, h := range header {
		if strings.TrimSpace(h) == "" {
			header[i] = fmt.Sprintf("Unnamed: %d", i)
		}
	}
	return header, padded[1:]
}

func column(rows [][]string, i int) []string {
	out := make([]string, len(rows))
	for j, r := range rows {
		out[j] = r[i]
	}
	return out
}

type columnStats struct {
	name     string
	dataType string
	min, max string
	median   string
	unique   string
	values   string
	missing  float64
}

func (c columnStats) row() []string {
	return []string{c.name, c.dataType, c.min, c.max, c.median, c.unique, c.values, fmt.Sprintf("%.1f%%", c.missing)}
}

func describeColumn(name string, cells []string) columnStats {
	stats := columnStats{name: name, dataType: "empty"}

	var present []string
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			present = append(present, c)
		}
	}
	if len(cells) > 0 {
		stats.missing = float64(len(cells)-len(present)) / float64(len(cells)) * 100
	}
	if len(present) == 0 {
		return stats
	}

	nums := make([]float64, 0, len(present))
	for _, c := range present {
		v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			nums = nil
			break
		}
		nums = append(nums, v)
	}

	if nums != nil {
		sort.Float64s(nums)
		stats.dataType = "number"
		stats.min = formatFloat(nums[0])
		stats.max = formatFloat(nums[len(nums)-1])
		stats.median = formatFloat(median(nums))
		return stats
	}

	stats.dataType = "text"
	counts := map[string]int{}
	var order []string
	for _, c := range present {
		if counts[c] == 0 {
			order = append(order, c)
		}
		counts[c]++
	}
	stats.unique = strconv.Itoa(len(order))
	if len(order) <= 5 {
		stats.values = strings.Join(order, ", ")
		return stats
	}
	// Top five by frequency, first appearance breaks ties.
	top := append([]string(nil), order...)
	sort.SliceStable(top, func(i, j int) bool { return counts[top[i]] > counts[top[j]] })
	stats.values = fmt.Sprintf("%s (+ %d more)", strings.Join(top[:5], ", "), len(order)-5)
	return stats
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func writeMarkdownTable(b *strings.Builder, header []string, rows [][]string) {
	table := tablewriter.NewWriter(b)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(rows)
	table.Render()
}
