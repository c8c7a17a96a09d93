package storage

import "regexp"

var sqlitePlaceholders = regexp.MustCompile(`\$\d+`)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}
