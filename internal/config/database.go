package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DSN returns the connection string handed to the pgx driver.
// If ConnectionString is set it is used as is. Otherwise a postgres:// URL is
// built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	if strings.TrimSpace(d.ConnectionString) != "" {
		return d.ConnectionString
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}

	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.SSLRootCert != "" {
		q.Set("sslrootcert", d.SSLRootCert)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// EffectiveDatabaseName returns the database the server writes to and where
// the name came from.
func (d *DatabaseConfig) EffectiveDatabaseName() (name string, source string, err error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
}

func resolveEffectiveDatabaseName(databaseName string, connectionString string) (name string, source string, err error) {
	configDatabase := strings.TrimSpace(databaseName)
	dsnDatabase, err := parseDSNDatabaseName(connectionString)
	if err != nil {
		return "", "", err
	}

	if strings.TrimSpace(connectionString) != "" {
		if configDatabase != "" && dsnDatabase != "" && configDatabase != dsnDatabase {
			return "", "", fmt.Errorf(
				"database mismatch: database.database=%q but database.dsn targets %q",
				configDatabase,
				dsnDatabase,
			)
		}
		if dsnDatabase != "" {
			return dsnDatabase, "dsn", nil
		}
	}
	if configDatabase != "" {
		return configDatabase, "database.database", nil
	}
	return "", "", fmt.Errorf(
		"no effective database name configured: set database.database or include a database in database.dsn",
	)
}

func parseDSNDatabaseName(connectionString string) (string, error) {
	dsn := strings.TrimSpace(connectionString)
	if dsn == "" {
		return "", nil
	}
	parsed, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	return strings.TrimSpace(parsed.Database), nil
}
