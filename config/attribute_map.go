package config

import "fmt"

// Has reports whether the map has an entry for name.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// GetString returns the string at name, or empty when absent.
func (am AttributeMap) GetString(name string) string {
	x := am[name]
	if x == nil {
		return ""
	}

	if s, ok := x.(string); ok {
		return s
	}

	panic(fmt.Errorf("wanted a string for (%s) but got (%v) %T", name, x, x))
}

// GetInt returns the integer at name, or def when absent. JSON numbers decode
// as float64, so those are accepted and truncated.
func (am AttributeMap) GetInt(name string, def int) int {
	x, has := am[name]
	if !has {
		return def
	}

	if v, ok := x.(int); ok {
		return v
	}

	if v, ok := x.(float64); ok {
		return int(v)
	}

	panic(fmt.Errorf("wanted an int for (%s) but got (%v) %T", name, x, x))
}

// GetBool returns the boolean at name, or def when absent.
func (am AttributeMap) GetBool(name string, def bool) bool {
	x, has := am[name]
	if !has {
		return def
	}

	if v, ok := x.(bool); ok {
		return v
	}

	panic(fmt.Errorf("wanted a bool for (%s) but got (%v) %T", name, x, x))
}
