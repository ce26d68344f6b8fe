// Package mysql provides the MySQL connection helpers, embedded schema
// migrations and the MySQL backed plugin ready-state store.
package mysql
