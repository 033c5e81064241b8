// Package config loads the service configuration.
//
// A Loader starts from Defaults, merges each layer file over it (JSON or
// YAML, chosen by extension), applies TRIAGE_* environment overrides and
// optionally validates the result. Layers are merged as maps, so a layer
// only overrides the keys it names:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/triage.json")
//	loader.AddLayer("/etc/triage/production.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations may be written as strings ("5s", "2m", "1d") or as integer
// nanoseconds.
package config
