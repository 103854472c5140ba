package similarity

import "reflect"

// Structural returns the fraction of a and b that is deeply equal.
//
// Slices and arrays compare position by position over the longer length,
// maps and structs over the union of their keys or exported fields, and
// everything else is all-or-nothing. Numbers of different Go types compare
// by value, so decoded JSON (float64) matches Go ints.
func Structural(a, b any) float64 {
	return structural(reflect.ValueOf(a), reflect.ValueOf(b))
}

func structural(a, b reflect.Value) float64 {
	a, b = indirect(a), indirect(b)
	if !a.IsValid() || !b.IsValid() {
		if !a.IsValid() && !b.IsValid() {
			return 1
		}
		return 0
	}

	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok && fa == fb {
			return 1
		}
		return 0
	}

	switch a.Kind() {
	case reflect.Slice, reflect.Array:
		if b.Kind() != reflect.Slice && b.Kind() != reflect.Array {
			return 0
		}
		return compareSeq(a, b)
	case reflect.Map:
		if b.Kind() != reflect.Map || a.Type().Key() != b.Type().Key() {
			return 0
		}
		return compareMap(a, b)
	case reflect.Struct:
		if b.Kind() != reflect.Struct {
			return 0
		}
		return compareMap(structFields(a), structFields(b))
	}

	if a.Type() == b.Type() && reflect.DeepEqual(a.Interface(), b.Interface()) {
		return 1
	}
	return 0
}

func compareSeq(a, b reflect.Value) float64 {
	n := max(a.Len(), b.Len())
	if n == 0 {
		return 1
	}
	shared := min(a.Len(), b.Len())
	var total float64
	for i := 0; i < shared; i++ {
		total += structural(a.Index(i), b.Index(i))
	}
	return total / float64(n)
}

func compareMap(a, b reflect.Value) float64 {
	keys := make(map[any]struct{}, a.Len()+b.Len())
	for _, k := range a.MapKeys() {
		keys[k.Interface()] = struct{}{}
	}
	for _, k := range b.MapKeys() {
		keys[k.Interface()] = struct{}{}
	}
	if len(keys) == 0 {
		return 1
	}

	var total float64
	for k := range keys {
		kv := reflect.ValueOf(k)
		va, vb := a.MapIndex(kv), b.MapIndex(kv)
		if !va.IsValid() || !vb.IsValid() {
			continue
		}
		total += structural(va, vb)
	}
	return total / float64(len(keys))
}

func structFields(v reflect.Value) reflect.Value {
	m := reflect.MakeMap(reflect.TypeOf(map[string]any{}))
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		m.SetMapIndex(reflect.ValueOf(t.Field(i).Name), v.Field(i))
	}
	return m
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func asFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
