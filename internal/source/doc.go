// Package source implements core.AlertSource.
//
// OpenSearch queries a Wazuh indexer (wazuh-alerts-* by default). Manager
// talks to the Wazuh manager REST API and is used for health checks.
// Static serves a fixed alert list for dry runs and tests.
package source
