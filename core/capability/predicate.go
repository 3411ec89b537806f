// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package capability

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Op is a predicate operator over a capability value.
type Op string

const (
	OpEquals  Op = "equals"
	OpIsTrue  Op = "is-true"
	OpIsFalse Op = "is-false"
	OpOneOf   Op = "one-of"
)

// Predicate is one node of the extra-requirement expression language:
// a tagged union evaluated against a backend's typed feature map,
// never interpolated into strings.
type Predicate struct {
	Op     Op
	Key    string
	Value  string
	Values []string
}

// ParsePredicate parses the expression syntax used in placement
// requests:
//
//	"<is> True"        boolean true
//	"<is> False"       boolean false
//	"<or> a <or> b"    one of the listed values
//	anything else      exact value match
func ParsePredicate(key, expr string) (Predicate, error) {
	if key == "" {
		return Predicate{}, errors.NotValidf("predicate with empty key")
	}
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "<is>"):
		rest := strings.TrimSpace(strings.TrimPrefix(expr, "<is>"))
		b, err := strconv.ParseBool(strings.ToLower(rest))
		if err != nil {
			return Predicate{}, errors.NotValidf("boolean predicate %q", expr)
		}
		if b {
			return Predicate{Op: OpIsTrue, Key: key}, nil
		}
		return Predicate{Op: OpIsFalse, Key: key}, nil
	case strings.HasPrefix(expr, "<or>"):
		var values []string
		for _, part := range strings.Split(expr, "<or>") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
		if len(values) == 0 {
			return Predicate{}, errors.NotValidf("one-of predicate %q", expr)
		}
		return Predicate{Op: OpOneOf, Key: key, Values: values}, nil
	case expr == "":
		return Predicate{}, errors.NotValidf("empty predicate for %q", key)
	default:
		return Predicate{Op: OpEquals, Key: key, Value: expr}, nil
	}
}

// Eval evaluates the predicate against a feature map. A missing key
// never matches.
func (p Predicate) Eval(features map[string]string) bool {
	v, ok := features[p.Key]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEquals:
		return v == p.Value
	case OpIsTrue, OpIsFalse:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return false
		}
		return b == (p.Op == OpIsTrue)
	case OpOneOf:
		for _, candidate := range p.Values {
			if v == candidate {
				return true
			}
		}
	}
	return false
}
