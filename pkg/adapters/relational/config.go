package relational

import (
	"fmt"
	"time"
)

// Config is the connection block of a relational source.
type Config struct {
	// Driver is postgres, mysql or sqlite. Defaults to the source scheme.
	Driver string `yaml:"driver,omitempty" jsonschema:"enum=postgres,enum=mysql,enum=sqlite,enum=sqlite3"`

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`

	// DSN overrides the connection string built from the fields above.
	DSN string `yaml:"dsn,omitempty"`

	MaxConns    int           `yaml:"max_conns,omitempty" jsonschema:"default=25"`
	MaxIdle     int           `yaml:"max_idle,omitempty" jsonschema:"default=5"`
	MaxLifetime time.Duration `yaml:"max_lifetime,omitempty" jsonschema:"default=1h"`

	// Tables restricts and annotates the queryable tables. Empty means every
	// table found by introspection.
	Tables []TableConfig `yaml:"tables,omitempty"`
}

// TableConfig annotates one table.
type TableConfig struct {
	Name string `yaml:"name"`

	// TimeColumn is filtered by time windows. Detected when empty.
	TimeColumn string `yaml:"time_column,omitempty"`

	// Columns limits the selected columns.
	Columns []string `yaml:"columns,omitempty"`

	Description string `yaml:"description,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults(scheme string) {
	if c.Driver == "" {
		c.Driver = scheme
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = time.Hour
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid driver %q (valid: postgres, mysql, sqlite)", c.Driver)
	}
	if c.DSN != "" {
		return nil
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Dialect() != "sqlite" && c.Host == "" {
		return fmt.Errorf("host is required for %s", c.Driver)
	}
	if c.MaxConns < 0 || c.MaxIdle < 0 {
		return fmt.Errorf("max_conns and max_idle must be non-negative")
	}
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
	}
	return nil
}

// ConnString returns the data source name handed to sql.Open.
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Dialect() {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		if c.Username != "" {
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
				c.Username, c.Password, c.Host, c.Port, c.Database)
		}
		return fmt.Sprintf("tcp(%s:%d)/%s?parseTime=true", c.Host, c.Port, c.Database)
	default:
		return c.Database
	}
}

// DriverName returns the database/sql driver name.
func (c *Config) DriverName() string {
	if c.Dialect() == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// Dialect returns postgres, mysql or sqlite.
func (c *Config) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}

func (c *Config) table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}
