package store

import (
	"fmt"
	"strings"
)

// Query is a small predicate builder supporting equality and set-membership
// plus limit and order. Column names come from each entity's Columns set and
// are never taken from user input.
type Query struct {
	clauses []clause
	orderBy string
	desc    bool
	limit   int
}

type clause struct {
	column string
	values []any
}

// Q starts an empty query matching every row.
func Q() Query {
	return Query{}
}

// Equal restricts the query to rows whose column equals value.
func (q Query) Equal(column string, value any) Query {
	q.clauses = append(q.clauses, clause{column: column, values: []any{value}})
	return q
}

// In restricts the query to rows whose column is one of values. An empty set
// matches nothing.
func (q Query) In(column string, values []any) Query {
	q.clauses = append(q.clauses, clause{column: column, values: values})
	return q
}

// InStrings is In for string sets.
func (q Query) InStrings(column string, values []string) Query {
	anys := make([]any, len(values))
	for i, v := range values {
		anys[i] = v
	}
	return q.In(column, anys)
}

// OrderBy sorts the result on column, descending when desc is set.
func (q Query) OrderBy(column string, desc bool) Query {
	q.orderBy = column
	q.desc = desc
	return q
}

// Limit caps the number of rows returned.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// build renders the WHERE/ORDER/LIMIT tail and its bind arguments.
func (q Query) build() (string, []any) {
	var sb strings.Builder
	var args []any

	if len(q.clauses) > 0 {
		sb.WriteString(" WHERE ")
		for i, c := range q.clauses {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			switch len(c.values) {
			case 0:
				sb.WriteString("1 = 0")
			case 1:
				sb.WriteString(c.column + " = ?")
				args = append(args, c.values[0])
			default:
				sb.WriteString(c.column + " IN (" + placeholders(len(c.values)) + ")")
				args = append(args, c.values...)
			}
		}
	}

	if q.orderBy != "" {
		sb.WriteString(" ORDER BY " + q.orderBy)
		if q.desc {
			sb.WriteString(" DESC")
		}
	}
	if q.limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.limit))
	}
	return sb.String(), args
}
