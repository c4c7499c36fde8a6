package config

import "fmt"

// ErrorKind classifies configuration failures
type ErrorKind int

const (
	InvalidValue ErrorKind = iota
	MissingFile
)

func (k ErrorKind) String() string {
	if k == MissingFile {
		return "missing file"
	}
	return "invalid value"
}

// ConfigError is fatal at startup
type ConfigError struct {
	Kind  ErrorKind
	Field string
	Path  string
	Line  int
	Err   error
}

func (e *ConfigError) Error() string {
	where := e.Field
	if e.Path != "" {
		where = fmt.Sprintf("%s (%s", where, e.Path)
		if e.Line > 0 {
			where = fmt.Sprintf("%s:%d", where, e.Line)
		}
		where += ")"
	}
	return fmt.Sprintf("config %s: %s: %v", e.Kind, where, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
