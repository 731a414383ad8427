package db

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	_ "github.com/go-sql-driver/mysql" // import to support MySQL
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // import to support Postgres
	"github.com/pkg/errors"
)

var (
	dbURLRegex = regexp.MustCompile("(Datasource:\\s*)?(\\S+):(\\S+)@|(Datasource:.*\\s)?(user=\\S+).*\\s(password=\\S+)|(Datasource:.*\\s)?(password=\\S+).*\\s(user=\\S+)")
)

// DB is an adapter for sqlx.DB
type DB struct {
	*sqlx.DB
}

// NewCaDBMySQL opens a connection to a MySQL database and creates the
// caweb tables if they do not exist
func NewCaDBMySQL(datasource string) (*DB, error) {
	log.Debugf("Using MySQL database, connecting to database...")

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	re := regexp.MustCompile(`\/([0-9,a-z,A-Z$_]+)`)
	connStr := re.ReplaceAllString(datasource, "/")

	log.Debugf("Connecting to MySQL server, using connection string: %s", MakeDBCred(connStr))
	db, err := sqlx.Open("mysql", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open MySQL database")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to MySQL database")
	}

	err = createMySQLDatabase(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, MakeDBCred(datasource))
	db, err = sqlx.Open("mysql", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database (%s) in MySQL server", dbName)
	}

	err = createMySQLTables(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL tables")
	}

	return &DB{db}, nil
}

func createMySQLDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating MySQL Database (%s) if it does not exists...", dbName)

	_, err := db.Exec("CREATE DATABASE IF NOT EXISTS " + dbName)
	if err != nil {
		return errors.Wrap(err, "Failed to execute create database query")
	}

	return nil
}

func createMySQLTables(dbName string, db *sqlx.DB) error {
	log.Debug("Creating users table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
	username VARCHAR(256) NOT NULL,
	token blob,
	email VARCHAR(256),
	display_name VARCHAR(256),
	role VARCHAR(16),
	PRIMARY KEY (username),
	INDEX users_role (role))`); err != nil {
		return errors.Wrap(err, "Error creating users table")
	}

	log.Debug("Creating certificates table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS certificates (
	id VARCHAR(64) NOT NULL,
	parent_id VARCHAR(64),
	issued_at timestamp DEFAULT CURRENT_TIMESTAMP,
	username VARCHAR(256) NOT NULL,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'active',
	common_name VARCHAR(512),
	crl_urls TEXT,
	crt_pem MEDIUMBLOB,
	key_pem MEDIUMBLOB,
	key_password VARCHAR(64),
	reason int,
	PRIMARY KEY (id),
	INDEX certificates_issued_at (issued_at),
	INDEX certificates_type (type),
	INDEX certificates_parent_id (parent_id))`); err != nil {
		return errors.Wrap(err, "Error creating certificates table")
	}

	log.Debug("Creating requests table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests (
	id VARCHAR(64) NOT NULL,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(16) NOT NULL,
	username VARCHAR(256) NOT NULL,
	created_at timestamp DEFAULT CURRENT_TIMESTAMP,
	handled_at timestamp NULL,
	request_message TEXT,
	validation_message TEXT,
	common_name VARCHAR(512),
	dns TEXT,
	csr_pem MEDIUMBLOB,
	key_pem MEDIUMBLOB,
	key_password VARCHAR(64),
	certificate_id VARCHAR(64),
	PRIMARY KEY (id),
	INDEX requests_lifecycle (created_at, handled_at, status),
	INDEX requests_type (type))`); err != nil {
		return errors.Wrap(err, "Error creating requests table")
	}

	return nil
}

// NewCaDBPostgres opens a connection to a postgres database and creates the
// caweb tables if they do not exist
func NewCaDBPostgres(datasource string) (*DB, error) {
	log.Debugf("Using postgres database, connecting to database...")

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	if strings.Contains(dbName, "-") || strings.HasSuffix(dbName, ".db") {
		return nil, errors.Errorf("Database name '%s' cannot contain any '-' or end with '.db'", dbName)
	}

	dbNames := []string{dbName, "postgres", "template1"}
	var db *sqlx.DB
	var pingErr, err error

	for _, dbName := range dbNames {
		connStr := getConnStr(datasource, dbName)
		log.Debugf("Connecting to PostgreSQL server, using connection string: %s", MakeDBCred(connStr))

		db, err = sqlx.Open("postgres", connStr)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to open Postgres database")
		}

		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		log.Warningf("Failed to connect to database '%s'", dbName)
	}

	if pingErr != nil {
		return nil, errors.Errorf("Failed to connect to Postgres database. Postgres requires connecting to a specific database, the following databases were tried: %s. Please create one of these database before continuing", dbNames)
	}

	err = createPostgresDatabase(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, MakeDBCred(datasource))
	db, err = sqlx.Open("postgres", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database '%s' in Postgres server", dbName)
	}

	err = createPostgresTables(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres tables")
	}

	return &DB{db}, nil
}

func createPostgresDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating Postgres Database (%s) if it does not exists...", dbName)

	query := "CREATE DATABASE " + dbName
	_, err := db.Exec(query)
	if err != nil {
		if !strings.Contains(err.Error(), fmt.Sprintf("database \"%s\" already exists", dbName)) {
			return errors.Wrap(err, "Failed to execute create database query")
		}
	}

	return nil
}

func createPostgresTables(dbName string, db *sqlx.DB) error {
	log.Debug("Creating users table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
	username VARCHAR(256) PRIMARY KEY,
	token bytea,
	email VARCHAR(256),
	display_name VARCHAR(256),
	role VARCHAR(16))`); err != nil {
		return errors.Wrap(err, "Error creating users table")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS users_role ON users (role)`); err != nil {
		return errors.Wrap(err, "Error creating users index")
	}

	log.Debug("Creating certificates table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS certificates (
	id VARCHAR(64) PRIMARY KEY,
	parent_id VARCHAR(64),
	issued_at timestamp DEFAULT now(),
	username VARCHAR(256) NOT NULL,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'active',
	common_name VARCHAR(512),
	crl_urls TEXT,
	crt_pem bytea,
	key_pem bytea,
	key_password VARCHAR(64),
	reason int)`); err != nil {
		return errors.Wrap(err, "Error creating certificates table")
	}
	for _, q := range []string{
		`CREATE INDEX IF NOT EXISTS certificates_issued_at ON certificates (issued_at)`,
		`CREATE INDEX IF NOT EXISTS certificates_type ON certificates (type)`,
		`CREATE INDEX IF NOT EXISTS certificates_parent_id ON certificates (parent_id)`,
	} {
		if _, err := db.Exec(q); err != nil {
			return errors.Wrap(err, "Error creating certificates index")
		}
	}

	log.Debug("Creating requests table if it doesn't exist")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests (
	id VARCHAR(64) PRIMARY KEY,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(16) NOT NULL,
	username VARCHAR(256) NOT NULL,
	created_at timestamp DEFAULT now(),
	handled_at timestamp NULL,
	request_message TEXT,
	validation_message TEXT,
	common_name VARCHAR(512),
	dns TEXT,
	csr_pem bytea,
	key_pem bytea,
	key_password VARCHAR(64),
	certificate_id VARCHAR(64))`); err != nil {
		return errors.Wrap(err, "Error creating requests table")
	}
	for _, q := range []string{
		`CREATE INDEX IF NOT EXISTS requests_lifecycle ON requests (created_at, handled_at, status)`,
		`CREATE INDEX IF NOT EXISTS requests_type ON requests (type)`,
	} {
		if _, err := db.Exec(q); err != nil {
			return errors.Wrap(err, "Error creating requests index")
		}
	}

	return nil
}

// Gets connection string without database
func getConnStr(datasource string, dbname string) string {
	re := regexp.MustCompile(`(dbname=)([^\s]+)`)
	connStr := re.ReplaceAllString(datasource, fmt.Sprintf("dbname=%s", dbname))
	return connStr
}

// getDBName gets database name from connection string
func getDBName(datasource string) string {
	var dbName string
	datasource = strings.ToLower(datasource)

	re := regexp.MustCompile(`(?:\/([^\/?]+))|(?:dbname=([^\s]+))`)
	getName := re.FindStringSubmatch(datasource)
	if getName != nil {
		dbName = getName[1]
		if dbName == "" {
			dbName = getName[2]
		}
	}

	return dbName
}

// MakeDBCred hides DB credential in connection string
func MakeDBCred(str string) string {
	matches := dbURLRegex.FindStringSubmatch(str)

	if len(matches) == 10 {
		matchIdxs := dbURLRegex.FindStringSubmatchIndex(str)
		substr := str[matchIdxs[0]:matchIdxs[1]]
		for idx := 1; idx < len(matches); idx++ {
			if matches[idx] != "" {
				if strings.Index(matches[idx], "user=") == 0 {
					substr = strings.Replace(substr, matches[idx], "user=****", 1)
				} else if strings.Index(matches[idx], "password=") == 0 {
					substr = strings.Replace(substr, matches[idx], "password=****", 1)
				} else {
					substr = strings.Replace(substr, matches[idx], "****", 1)
				}
			}
		}
		str = str[:matchIdxs[0]] + substr + str[matchIdxs[1]:len(str)]
	}
	return str
}
