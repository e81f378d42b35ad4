// Package textutils holds the character and string literals shared across
// the codec, config, and l3 packages so they don't each define their own
// copies of the same punctuation.
package textutils

const (
	EmptyStr      = ""
	WhiteSpaceStr = " "
	NewLineString = "\n"

	ColonStr      = ":"
	SemiColonStr  = ";"
	PeriodStr     = "."
	EqualStr      = "="
	ForwardSlashStr = "/"
	OpenBraceStr  = "{"
	CloseBraceStr = "}"

	ColonChar       = ':'
	SemiColonChar   = ';'
	PeriodChar      = '.'
	EqualChar       = '='
	ForwardSlashChar = '/'
	BackSlashChar   = '\\'
	HashChar        = '#'
	DollarChar      = '$'
	OpenBraceChar   = '{'
	CloseBraceChar  = '}'

	AUpperChar = 'A'
	ZUpperChar = 'Z'
	ALowerChar = 'a'
	ZLowerChar = 'z'
)
