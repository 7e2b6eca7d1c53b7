package config

// DbSettings holds configuration for the durable stores backing the engine.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo memory"`
	DSN  string `mapstructure:"dsn"` // postgres
	URI  string `mapstructure:"uri"` // spanner database path or mongo connection string
	Name string `mapstructure:"name"`
}
