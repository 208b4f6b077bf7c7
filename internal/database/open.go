package database

// Open returns a PostgreSQL store when databaseURL is set and an SQLite
// store at sqlitePath otherwise.
func Open(sqlitePath, databaseURL string) (Store, error) {
	if databaseURL != "" {
		return NewPostgres(databaseURL)
	}
	return New(sqlitePath)
}
