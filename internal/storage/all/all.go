// Package all registers every storage backend. Importing it for side effects
// makes all backends available to storage.New:
//
//	import _ "splashelt/internal/storage/all"
package all

import (
	_ "splashelt/internal/storage/mssql"
	_ "splashelt/internal/storage/postgres"
	_ "splashelt/internal/storage/sqlite"
)
