package queryobject

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

// compileFilter turns a filter document into predicates. Keys are columns
// or the $and / $or combinators; values are literals (equality) or operator
// objects such as {"$gt": 1, "$lte": 5}.
func compileFilter(t *Table, filter map[string]any) ([]sqlexpr.Predicate, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []sqlexpr.Predicate
	for _, key := range keys {
		value := filter[key]
		switch key {
		case "$and", "$or":
			parts, err := compileBranches(t, key, value)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				preds = append(preds, sqlexpr.And(parts...))
			} else {
				preds = append(preds, sqlexpr.Or(parts...))
			}
			continue
		}
		if !t.hasColumn(key) {
			return nil, &InvalidQueryError{Table: t.Name, Field: key, Reason: "unknown filter field"}
		}
		ops, ok := value.(map[string]any)
		if !ok || !isOperatorDoc(ops) {
			preds = append(preds, sqlexpr.Eq(key, value))
			continue
		}
		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)
		for _, op := range opNames {
			p, err := compileOperator(t, key, op, ops[op])
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
	}
	return preds, nil
}

func compileBranches(t *Table, key string, value any) ([]sqlexpr.Predicate, error) {
	branches, ok := value.([]any)
	if !ok {
		return nil, &InvalidQueryError{Table: t.Name, Field: key, Reason: "expected a list for"}
	}
	parts := make([]sqlexpr.Predicate, 0, len(branches))
	for _, b := range branches {
		doc, ok := b.(map[string]any)
		if !ok {
			return nil, &InvalidQueryError{Table: t.Name, Field: key, Reason: "expected objects in"}
		}
		sub, err := compileFilter(t, doc)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sqlexpr.And(sub...))
	}
	return parts, nil
}

func isOperatorDoc(doc map[string]any) bool {
	if len(doc) == 0 {
		return false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func compileOperator(t *Table, column, op string, operand any) (sqlexpr.Predicate, error) {
	switch op {
	case "$eq":
		return sqlexpr.Eq(column, operand), nil
	case "$ne":
		return sqlexpr.NotEq(column, operand), nil
	case "$lt":
		return sqlexpr.Lt(column, operand), nil
	case "$lte":
		return sqlexpr.Lte(column, operand), nil
	case "$gt":
		return sqlexpr.Gt(column, operand), nil
	case "$gte":
		return sqlexpr.Gte(column, operand), nil
	case "$in", "$nin":
		list, ok := operand.([]any)
		if !ok {
			return nil, &InvalidQueryError{Table: t.Name, Field: column, Reason: fmt.Sprintf("%s expects a list for", op)}
		}
		if op == "$in" {
			return sqlexpr.In(column, list...), nil
		}
		return sqlexpr.NotIn(column, list...), nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return nil, &InvalidQueryError{Table: t.Name, Field: column, Reason: "$exists expects a boolean for"}
		}
		if want {
			return sqlexpr.NotNull(column), nil
		}
		return sqlexpr.IsNull(column), nil
	}
	return nil, &InvalidQueryError{Table: t.Name, Field: column, Reason: fmt.Sprintf("unsupported operator %s on", op)}
}
