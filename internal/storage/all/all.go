// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "okavango/internal/storage/mssql"
	_ "okavango/internal/storage/postgres"
	_ "okavango/internal/storage/sqlite"
)
