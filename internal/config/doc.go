// Package config loads debugger configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. Default()
//  2. a TOML file
//  3. VMDEBUG_* environment variables
//
// Watch reloads the file when it changes so that settings such as step
// filters can be applied to a running target.
package config
