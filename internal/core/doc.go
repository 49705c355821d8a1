// Package core holds the domain model shared by every siemalert component:
// alerts and severity tiers, alerting/report configurations, runtime parameter
// keys, the collaborator ports (AlertSource, Notifier, ConfigStore, Renderer),
// time-of-day normalization and alert fingerprints.
//
// Nothing in this package performs I/O.
package core
