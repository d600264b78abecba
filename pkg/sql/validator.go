// Package sql translates filter maps into predicates and renders them as
// parameterised SQL or document client call chains.
package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

var (
	// ErrMultipleStatements indicates raw text contains more than one SQL statement.
	ErrMultipleStatements = fmt.Errorf("%w: multiple SQL statements not allowed; only single statements are permitted", apperrors.ErrParse)

	ErrEmptyStatement = fmt.Errorf("%w: empty statement", apperrors.ErrParse)
)

// ValidateRawStatement trims text, strips one trailing semicolon and rejects
// empty or multi-statement input. Raw statements are used for aggregate and
// view DDL; their values must still arrive as bound parameters.
func ValidateRawStatement(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyStatement
	}

	normalized := stripTrailingSemicolon(text)
	if normalized == "" {
		return "", ErrEmptyStatement
	}
	if hasSemicolonOutsideStrings(normalized) {
		return "", ErrMultipleStatements
	}
	return normalized, nil
}

// IsMultipleStatements reports whether err came from ValidateRawStatement
// rejecting a batch.
func IsMultipleStatements(err error) bool {
	return errors.Is(err, ErrMultipleStatements)
}

// hasSemicolonOutsideStrings returns true if the SQL contains any semicolon
// outside of string literals, quoted identifiers and comments.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	runes := []rune(sqlQuery)

	for i := 0; i < len(runes); i++ {
		char := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case char == ';':
				return true
			case char == '\'':
				state = stateSingleQuote
			case char == '"':
				state = stateDoubleQuote
			case char == '-' && next == '-':
				state = stateLineComment
				i++
			case char == '/' && next == '*':
				state = stateBlockComment
				i++
			}
		case stateSingleQuote:
			// '' is an escaped quote: leaving and re-entering on the next rune
			// keeps us inside the literal.
			if char == '\'' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if char == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if char == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return false
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace around it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}
