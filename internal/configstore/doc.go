// Package configstore provides read-only views of alerting configurations,
// report configurations and runtime parameters.
//
// The file store serves the "rules" section of the live config file and
// follows hot reloads. The postgres store reads the alert_configs,
// report_configs and system_config tables.
package configstore
