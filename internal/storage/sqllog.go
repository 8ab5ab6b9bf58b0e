package storage

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// formatSQLForLog interpolates positional parameters into query. The result
// is for logs only and must never be executed.
func formatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* args:")
		for i := argIdx; i < len(args); i++ {
			if i > argIdx {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	if valuer, ok := arg.(driver.Valuer); ok {
		v, err := valuer.Value()
		if err != nil {
			return "<invalid>"
		}
		arg = v
	}
	if arg == nil {
		return "NULL"
	}
	switch v := arg.(type) {
	case string:
		return quoteSQLString(v)
	case []byte:
		return quoteSQLString(string(v))
	case fmt.Stringer:
		return quoteSQLString(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
