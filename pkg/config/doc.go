// Package config defines application configuration and its loading.
//
// Configuration comes from three layers, lowest to highest precedence:
// built-in defaults, an optional YAML file, and environment variables
// prefixed with TASKPOOL_. The loaded Config converts into the
// component-level configurations consumed by the queue, profile manager
// and pool.
package config
