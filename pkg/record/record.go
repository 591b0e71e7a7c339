// Package record defines the resource row model shared by the collect and
// enrich stages, including RUID normalization and the output CSV schema.
package record

import (
	"strings"
)

// Columns is the fixed output CSV header. Date, Format and Tags stay empty
// until the enrich stage fills them.
var Columns = []string{"RUID", "Category", "Subcategory", "Date", "Format", "Tags"}

// RUIDLen is the length of a canonical resource identifier (32 lowercase hex chars).
const RUIDLen = 32

// Row is one output CSV row.
type Row struct {
	RUID        string
	Category    string
	Subcategory string
	Date        string
	Format      string
	Tags        string
}

// Key identifies a row for dedup and merge: normalized RUID plus the
// category/subcategory display names as they appear in the CSV.
type Key struct {
	RUID        string
	Category    string
	Subcategory string
}

// NormalizeRUID reduces a RUID to its canonical 32-hex-lowercase form.
// The detail API may return identifiers with dashes or a prefix; the CSV
// always carries the bare 32 hex chars, so we keep the last 32 hex digits.
func NormalizeRUID(ruid string) string {
	if ruid == "" {
		return ""
	}
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(ruid)) {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			b.WriteRune(c)
		}
	}
	hex := b.String()
	if len(hex) >= RUIDLen {
		return hex[len(hex)-RUIDLen:]
	}
	return hex
}

// Key returns the merge key for the row.
func (r Row) Key() Key {
	return Key{
		RUID:        NormalizeRUID(r.RUID),
		Category:    strings.TrimSpace(r.Category),
		Subcategory: strings.TrimSpace(r.Subcategory),
	}
}

// Enriched reports whether the row carries at least one detail field.
func (r Row) Enriched() bool {
	return strings.TrimSpace(r.Date) != "" ||
		strings.TrimSpace(r.Format) != "" ||
		strings.TrimSpace(r.Tags) != ""
}

// Fields returns the row in Columns order for csv.Writer.
func (r Row) Fields() []string {
	return []string{r.RUID, r.Category, r.Subcategory, r.Date, r.Format, r.Tags}
}

// FromFields builds a Row from a CSV record. Short records are padded with
// empty strings so partially written rows still load.
func FromFields(fields []string) Row {
	get := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	return Row{
		RUID:        get(0),
		Category:    get(1),
		Subcategory: get(2),
		Date:        get(3),
		Format:      get(4),
		Tags:        get(5),
	}
}

// Detail holds the three per-resource fields produced by enrichment.
type Detail struct {
	Date   string
	Format string
	Tags   string
}

// Empty reports whether the detail carries no data.
func (d Detail) Empty() bool {
	return d.Date == "" && d.Format == "" && d.Tags == ""
}

// FormatFromPath derives the format (file extension) from an API path such
// as "maplestory_world/ab12.../model.mod".
func FormatFromPath(path string) string {
	if path == "" {
		return ""
	}
	segment := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		segment = path[i+1:]
	}
	if i := strings.LastIndexByte(segment, '.'); i >= 0 {
		return strings.ToLower(segment[i+1:])
	}
	return ""
}
