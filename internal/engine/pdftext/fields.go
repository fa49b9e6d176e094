package pdftext

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/schema"
)

var labelled = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 #&/()_.'\-]{0,48}?)\s*:\s*(\S.*)$`)

// pair is a "label: value" occurrence in the document.
type pair struct {
	Key   string
	Value string
	Colon bool
	Page  int
	Line  int
}

func (p pair) location() *domain.Location {
	return &domain.Location{Page: p.Page, Line: p.Line + 1}
}

// pairs collects label/value lines outside tables, in reading order.
func pairs(pages []Page, tables []table) []pair {
	var out []pair
	for _, p := range pages {
		for i, line := range p.Lines {
			if inTable(tables, p.Number, i) {
				continue
			}
			if m := labelled.FindStringSubmatch(line); m != nil {
				if key := normalizeKey(m[1]); key != "" {
					out = append(out, pair{Key: key, Value: strings.TrimSpace(m[2]), Colon: true, Page: p.Number, Line: i})
				}
				continue
			}
			cells := splitCells(line)
			if len(cells) == 2 && startsWithLetter(cells[0]) {
				if key := normalizeKey(cells[0]); key != "" {
					out = append(out, pair{Key: key, Value: cells[1], Page: p.Number, Line: i})
				}
			}
		}
	}
	return out
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

var totalAliases = []string{"grand_total", "total_due", "amount_due", "balance_due", "invoice_total", "total_amount"}

// freeForm turns every label/value pair into a field. Later occurrences win ties so
// that summary lines at the end of a document take precedence.
func freeForm(pairs []pair) map[string]domain.ExtractedField {
	fields := make(map[string]domain.ExtractedField)
	for _, p := range pairs {
		value, isTyped := typed(p.Value)
		conf := 0.55
		if p.Colon {
			conf += 0.15
		}
		if isTyped {
			conf += 0.2
		}
		if cur, ok := fields[p.Key]; ok && cur.Confidence > conf {
			continue
		}
		fields[p.Key] = domain.ExtractedField{Value: value, Confidence: conf, Location: p.location()}
	}

	if _, ok := fields["total"]; !ok {
		for _, alias := range totalAliases {
			if f, ok := fields[alias]; ok {
				if _, isNum := f.Value.(float64); isNum {
					f.Confidence = round(f.Confidence * 0.9)
					fields["total"] = f
					break
				}
			}
		}
	}
	return fields
}

// schemaFields extracts every top level property of root.
func schemaFields(pairs []pair, tables []table, root *schema.Field) map[string]domain.ExtractedField {
	fields := make(map[string]domain.ExtractedField, len(root.Properties))
	for _, p := range root.Properties {
		value, conf, loc := extract(pairs, tables, "", p.Name, p.Field)
		fields[p.Name] = domain.ExtractedField{
			Value:      schema.Conform(p.Field, value),
			Confidence: round(conf),
			Location:   loc,
		}
	}
	return fields
}

func extract(pairs []pair, tables []table, parent, name string, f *schema.Field) (any, float64, *domain.Location) {
	switch f.Kind {
	case schema.KindObject:
		if len(f.Properties) == 0 {
			return map[string]any{}, 0, nil
		}
		obj := make(map[string]any, len(f.Properties))
		var (
			sum float64
			loc *domain.Location
		)
		for _, child := range f.Properties {
			v, c, l := extract(pairs, tables, joinKey(parent, name), child.Name, child.Field)
			obj[child.Name] = v
			sum += c
			if loc == nil {
				loc = l
			}
		}
		return obj, sum / float64(len(f.Properties)), loc
	case schema.KindArray:
		if f.Items != nil && f.Items.Kind == schema.KindObject && len(f.Items.Properties) > 0 {
			return fromTable(tables, f.Items)
		}
		p, score := findPair(pairs, candidates(parent, name, f.Description))
		if score == 0 || f.Items == nil {
			return nil, 0, nil
		}
		var (
			items []any
			hits  int
		)
		for _, part := range strings.FieldsFunc(p.Value, func(r rune) bool { return r == ',' || r == ';' }) {
			v, ok := convert(f.Items, part)
			if ok {
				hits++
			}
			items = append(items, v)
		}
		if len(items) == 0 {
			return nil, 0, p.location()
		}
		return items, score * (0.7 + 0.3*float64(hits)/float64(len(items))), p.location()
	default:
		p, score := findPair(pairs, candidates(parent, name, f.Description))
		if score == 0 {
			return nil, 0, nil
		}
		v, ok := convert(f, p.Value)
		if !ok {
			if v == nil {
				return nil, score * 0.2, p.location()
			}
			return v, score * 0.6, p.location()
		}
		return v, score, p.location()
	}
}

func joinKey(parent, name string) string {
	if parent == "" {
		return normalizeKey(name)
	}
	return parent + "_" + normalizeKey(name)
}

// candidates lists label keys that may print a field, most specific first.
func candidates(parent, name, description string) []string {
	out := []string{joinKey(parent, name)}
	if parent != "" {
		out = append(out, normalizeKey(name))
	}
	if d := normalizeKey(description); d != "" && len(description) <= 40 {
		out = append(out, d)
	}
	return out
}

// findPair picks the best matching label. An exact label match scores 0.9, a label
// containing the key (or the reverse) 0.6. Ties go to the later occurrence.
func findPair(pairs []pair, keys []string) (pair, float64) {
	var (
		best  pair
		score float64
	)
	for _, p := range pairs {
		s := 0.0
		for i, k := range keys {
			// Less specific candidates score a little lower.
			penalty := 0.05 * float64(i)
			switch {
			case p.Key == k:
				s = max(s, 0.9-penalty)
			case len(k) >= 3 && (strings.Contains(p.Key, k) || strings.Contains(k, p.Key) && len(p.Key) >= 3):
				s = max(s, 0.6-penalty)
			}
		}
		if s > 0 && s >= score {
			best, score = p, s
		}
	}
	return best, score
}

// fromTable maps the table whose headers best cover the item properties onto a list
// of objects.
func fromTable(tables []table, item *schema.Field) (any, float64, *domain.Location) {
	var (
		best     table
		bestCols map[string]int
		coverage float64
	)
	for _, t := range tables {
		cols := make(map[string]int)
		for _, prop := range item.Properties {
			if idx := matchHeader(t.Headers, prop.Name, prop.Field.Description); idx >= 0 {
				cols[prop.Name] = idx
			}
		}
		if c := float64(len(cols)) / float64(len(item.Properties)); c > coverage {
			best, bestCols, coverage = t, cols, c
		}
	}
	if coverage == 0 {
		return nil, 0, nil
	}

	rows := make([]any, 0, len(best.Rows))
	for _, row := range best.Rows {
		obj := make(map[string]any, len(item.Properties))
		for _, prop := range item.Properties {
			idx, ok := bestCols[prop.Name]
			if !ok || idx >= len(row) {
				obj[prop.Name] = nil
				continue
			}
			v, _ := convert(prop.Field, row[idx])
			obj[prop.Name] = v
		}
		rows = append(rows, obj)
	}
	return rows, 0.5 + 0.4*coverage, &domain.Location{Page: best.Page, Line: best.Start + 1}
}

var headerSynonyms = map[string][]string{
	"quantity":    {"qty", "units", "count"},
	"description": {"item", "product", "details", "service"},
	"amount":      {"total", "line_total", "price", "sum"},
	"unit_price":  {"price", "rate", "unit_cost"},
}

func matchHeader(headers []string, name, description string) int {
	key := normalizeKey(name)
	want := append([]string{key, normalizeKey(description)}, headerSynonyms[key]...)
	for _, w := range want {
		if w == "" {
			continue
		}
		for i, h := range headers {
			if normalizeKey(h) == w {
				return i
			}
		}
	}
	return -1
}

func round(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return float64(int(v*1000+0.5)) / 1000
}
