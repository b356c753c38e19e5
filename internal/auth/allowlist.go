// Package auth decides which operator chats may drive the fleet.
package auth

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AllowList is a fixed set of operator chat ids. It is safe for
// concurrent use because it never changes after construction.
type AllowList struct {
	ids map[int64]struct{}
}

// NewAllowList creates an allow-list from ids. An empty list allows
// nobody.
func NewAllowList(ids []int64) *AllowList {
	l := &AllowList{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	return l
}

// Allowed reports whether chatID is an operator.
func (l *AllowList) Allowed(chatID int64) bool {
	if l == nil {
		return false
	}
	_, ok := l.ids[chatID]
	return ok
}

// IDs returns the operator ids in ascending order.
func (l *AllowList) IDs() []int64 {
	if l == nil {
		return nil
	}
	out := make([]int64, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of operators.
func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.ids)
}

// ParseIDs parses a comma or whitespace separated list of chat ids.
func ParseIDs(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
