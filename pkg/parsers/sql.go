package parsers

import (
	"strings"
)

// SQLFeatures flags structurally significant constructs.
type SQLFeatures struct {
	Union  bool `json:"union"`
	Select bool `json:"select"`
	Insert bool `json:"insert"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
	Drop   bool `json:"drop"`
	Alter  bool `json:"alter"`
	Grant  bool `json:"grant"`
}

// SQLStatement is the structural summary of a SQL string.
type SQLStatement struct {
	Valid          bool        `json:"valid"`
	Keywords       []string    `json:"keywords"`
	HasComments    bool        `json:"has_comments"`
	StackedQueries bool        `json:"stacked_queries"`
	Features       SQLFeatures `json:"features"`
}

var sqlKeywords = []string{
	"SELECT", "INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"GRANT", "REVOKE", "UNION", "FROM", "WHERE", "JOIN", "EXEC", "EXECUTE",
	"TRUNCATE", "INTO", "VALUES",
}

// ParseSQL extracts keywords and structure from a SQL string. It is a
// keyword scanner, not a grammar: quoted strings and comments are
// recognised so keywords inside them do not count.
func ParseSQL(input string) SQLStatement {
	stmt := SQLStatement{Keywords: []string{}}
	if strings.TrimSpace(input) == "" {
		return stmt
	}
	stmt.Valid = true

	stripped, hasComments, stacked := stripSQL(input)
	stmt.HasComments = hasComments
	stmt.StackedQueries = stacked

	upper := strings.ToUpper(stripped)
	words := strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '_'
	})
	seen := map[string]bool{}
	for _, w := range words {
		for _, kw := range sqlKeywords {
			if w == kw && !seen[kw] {
				seen[kw] = true
				stmt.Keywords = append(stmt.Keywords, kw)
			}
		}
	}

	stmt.Features = SQLFeatures{
		Union:  seen["UNION"],
		Select: seen["SELECT"],
		Insert: seen["INSERT"],
		Update: seen["UPDATE"],
		Delete: seen["DELETE"],
		Drop:   seen["DROP"] || seen["TRUNCATE"],
		Alter:  seen["ALTER"],
		Grant:  seen["GRANT"] || seen["REVOKE"],
	}
	return stmt
}

// stripSQL removes string literals and comments, reporting whether
// comments were present and whether statements are stacked (a ';' with
// trailing content).
func stripSQL(input string) (stripped string, hasComments, stacked bool) {
	var b strings.Builder
	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'':
			for i++; i < len(runes) && runes[i] != '\''; i++ {
			}
			b.WriteByte(' ')
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			hasComments = true
			for ; i < len(runes) && runes[i] != '\n'; i++ {
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			hasComments = true
			i += 2
			for ; i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/'); i++ {
			}
			i++
		case r == '#':
			hasComments = true
			for ; i < len(runes) && runes[i] != '\n'; i++ {
			}
		case r == ';':
			if strings.TrimSpace(string(runes[i+1:])) != "" {
				stacked = true
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), hasComments, stacked
}
