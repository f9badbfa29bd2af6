// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
)

// Filter clause types and condition operators accepted by add_filter.
const (
	FilterTypeLevel   = "level"
	FilterTypeSource  = "source"
	FilterTypeContent = "content"
	FilterTypeRegex   = "regex"

	OperatorEquals   = "equals"
	OperatorContains = "contains"
	OperatorRegex    = "regex"
	OperatorIn       = "in"
)

// compiledFilter is one clause with its predicate built ahead of
// dispatch, so the fan-out path never parses patterns.
type compiledFilter struct {
	clause FilterClause
	match  func(*message.Record) bool
}

// compileFilter validates a clause and builds its predicate. Errors
// surface to the subscriber as invalid_filter responses.
func compileFilter(clause FilterClause) (*compiledFilter, error) {
	extract, err := fieldExtractor(clause.Type)
	if err != nil {
		return nil, err
	}

	cond := clause.Condition
	if clause.Type == FilterTypeRegex || cond.Operator == OperatorRegex {
		pattern, ok := cond.Value.(string)
		if !ok {
			return nil, errors.New("regex filter value must be a string")
		}
		if !cond.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrap(err, "invalid regex pattern")
		}
		return &compiledFilter{
			clause: clause,
			match:  func(r *message.Record) bool { return re.MatchString(extract(r)) },
		}, nil
	}

	switch cond.Operator {
	case OperatorEquals:
		want, ok := cond.Value.(string)
		if !ok {
			return nil, errors.New("equals filter value must be a string")
		}
		return &compiledFilter{
			clause: clause,
			match:  func(r *message.Record) bool { return stringsEqual(extract(r), want, cond.CaseSensitive) },
		}, nil
	case OperatorContains:
		want, ok := cond.Value.(string)
		if !ok {
			return nil, errors.New("contains filter value must be a string")
		}
		if !cond.CaseSensitive {
			want = strings.ToLower(want)
		}
		return &compiledFilter{
			clause: clause,
			match: func(r *message.Record) bool {
				got := extract(r)
				if !cond.CaseSensitive {
					got = strings.ToLower(got)
				}
				return strings.Contains(got, want)
			},
		}, nil
	case OperatorIn:
		values, err := stringValues(cond.Value)
		if err != nil {
			return nil, err
		}
		return &compiledFilter{
			clause: clause,
			match: func(r *message.Record) bool {
				got := extract(r)
				for _, want := range values {
					if stringsEqual(got, want, cond.CaseSensitive) {
						return true
					}
				}
				return false
			},
		}, nil
	default:
		return nil, errors.Errorf("unknown filter operator %q", cond.Operator)
	}
}

// fieldExtractor maps a clause type to the record field it inspects.
func fieldExtractor(filterType string) (func(*message.Record) string, error) {
	switch filterType {
	case FilterTypeLevel:
		return func(r *message.Record) string { return string(r.Level) }, nil
	case FilterTypeSource:
		return func(r *message.Record) string { return string(r.Source) }, nil
	case FilterTypeContent, FilterTypeRegex:
		return func(r *message.Record) string { return r.Raw }, nil
	default:
		return nil, errors.Errorf("unknown filter type %q", filterType)
	}
}

func stringsEqual(got, want string, caseSensitive bool) bool {
	if caseSensitive {
		return got == want
	}
	return strings.EqualFold(got, want)
}

// stringValues normalizes the value of an "in" condition. JSON arrays
// decode as []interface{}, a bare string is accepted as a one element
// set.
func stringValues(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		values := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Errorf("in filter value contains a non-string element: %v", item)
			}
			values = append(values, s)
		}
		if len(values) == 0 {
			return nil, errors.New("in filter value must not be empty")
		}
		return values, nil
	default:
		return nil, errors.Errorf("in filter value must be an array of strings, got %T", value)
	}
}
