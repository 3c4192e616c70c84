package render

import "github.com/tnorth/btcfleet/internal/core/inventory"

// =============================================================================
// Static Asset Rendering
// =============================================================================
//
// The engine distributes the monitoring stack's configuration files but
// does not interpret them. Each template is rendered by substituting
// bundle values, then shipped alongside the env bundle. Assets are
// derived entirely from the bundle, so they carry no fingerprint of
// their own.

const promtailTemplate = `server:
  http_listen_port: ${PROMTAIL_PORT}
clients:
  - url: http://${LOKI_HOST}:${LOKI_PORT}/loki/api/v1/push
scrape_configs:
  - job_name: journal
    journal:
      max_age: 12h
      labels:
        job: systemd-journal
        host: ${HOSTNAME}
        bitcoin_version: ${BITCOIN_VERSION:-unknown}
    relabel_configs:
      - source_labels: ["__journal__systemd_unit"]
        target_label: unit
`

const prometheusTemplate = `global:
  scrape_interval: 15s
alerting:
  alertmanagers:
    - static_configs:
        - targets: ["${ALERTMAN_ADDRESS}"]
scrape_configs:
  - job_name: fleet
    http_sd_configs:
      - url: ${PROM_SCRAPE_SD_URL}
`

const lokiTemplate = `auth_enabled: false
server:
  http_listen_port: ${LOKI_PORT}
ruler:
  alertmanager_url: http://${ALERTMAN_ADDRESS}
common:
  path_prefix: /loki
  replication_factor: 1
  ring:
    kvstore:
      store: inmemory
`

const alertmanagerTemplate = `route:
  receiver: default
receivers:
  - name: default
`

const grafanaDatasourcesTemplate = `apiVersion: 1
datasources:
  - name: Prometheus
    type: prometheus
    access: proxy
    url: http://${PROM_ADDRESS}
    isDefault: true
  - name: Loki
    type: loki
    access: proxy
    url: http://${LOKI_HOST}:${LOKI_PORT}
`

const bitcoinConfTemplate = `server=1
dbcache=${BITCOIN_DBCACHE}
prune=${BITCOIN_PRUNE}
rpcport=${BITCOIN_RPC_PORT}
${BITCOIN_RPC_AUTH_LINE}
`

// Assets renders the static configuration files a host's role needs,
// keyed by their install path relative to the remote asset directory.
func Assets(host *inventory.Host, bundle *Bundle) map[string]string {
	out := map[string]string{
		"promtail/config.yml": Substitute(promtailTemplate, bundle.Values),
	}

	switch host.Role {
	case inventory.RoleServer:
		out["prom/prometheus.yml"] = Substitute(prometheusTemplate, bundle.Values)
		out["loki/local-config.yaml"] = Substitute(lokiTemplate, bundle.Values)
		out["alertman/config.yml"] = Substitute(alertmanagerTemplate, bundle.Values)
		out["grafana/provisioning/datasources/datasource.yml"] = Substitute(grafanaDatasourcesTemplate, bundle.Values)

	case inventory.RoleNode:
		out["bitcoin/bitcoin.conf"] = Substitute(bitcoinConfTemplate, bundle.Values)
	}

	return out
}
