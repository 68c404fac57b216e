package transform

// Record is a normalized row keyed by warehouse column.
type Record map[string]any

// Normalize maps raw onto schema. The result holds exactly the schema's
// columns: unknown source fields are dropped and missing ones get the kind's
// default (nil for strings, dates and nullable ints, 0 for amounts and ints,
// false for bools). It never fails.
//
// An exact source key wins over a folded match. Among several raw keys that
// fold alike, the lexically smallest one is used.
func Normalize(schema Schema, raw map[string]any) Record {
	folded := make(map[string]string, len(raw))
	for k := range raw {
		fk := foldKey(k)
		if prev, ok := folded[fk]; !ok || k < prev {
			folded[fk] = k
		}
	}
	lookup := func(name string) (any, bool) {
		if v, ok := raw[name]; ok {
			return v, true
		}
		if k, ok := folded[foldKey(name)]; ok {
			return raw[k], true
		}
		return nil, false
	}

	rec := make(Record, len(schema.Columns))
	for _, col := range schema.Columns {
		src := col.Source
		if src == "" {
			src = col.Name
		}
		v, ok := lookup(src)
		if !ok && col.Source != "" {
			v, _ = lookup(col.Name)
		}
		rec[col.Name] = coerce(col, v)
	}
	return rec
}

// coerce converts one value, falling back to the column default if a
// parser panics on an unexpected input.
func coerce(col Column, v any) (out any) {
	defer func() {
		if recover() != nil {
			out = defaultFor(col)
		}
	}()

	switch col.Kind {
	case KindString:
		return parseString(v, col.MaxLen)
	case KindDate:
		return parseDate(v)
	case KindAmount:
		return parseFloat64Or(v, 0)
	case KindInt:
		if i, ok := parseInt64(v); ok {
			return i
		}
		return defaultFor(col)
	case KindBool:
		return parseBool(v)
	default:
		return defaultFor(col)
	}
}

func defaultFor(col Column) any {
	switch col.Kind {
	case KindAmount:
		return float64(0)
	case KindInt:
		if col.Nullable {
			return nil
		}
		return int64(0)
	case KindBool:
		return false
	default:
		return nil
	}
}

// HasKey reports whether every key column is present and non-nil.
func (r Record) HasKey(key []string) bool {
	for _, k := range key {
		if v, ok := r[k]; !ok || v == nil {
			return false
		}
	}
	return true
}
