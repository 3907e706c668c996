/*
Package config loads thumbcache configuration from defaults, a YAML file and
the environment.

# Sources

Values are applied in order, later sources winning:

 1. NewDefault: compiled-in defaults
 2. LoadFromFile: a YAML document (gopkg.in/yaml.v2)
 3. LoadFromEnv: THUMBCACHE_* variables (github.com/caarlos0/env)

Maps merge key by key, so a file that configures only the thumbnail tier keeps
the other default tiers.

# Sizes

Byte sizes are human strings such as "64MiB" or "1.5GB" and are parsed with
go-humanize by ParseSize.

# Example

	global:
	  log_level: INFO
	  log_format: text
	  metrics_port: 9090
	cache:
	  directory: /var/cache/thumbcache
	  max_entry_cost: 16MiB
	  tiers:
	    thumbnail: {max_cost: 64MiB, max_entries: 1000}
	  disk: {enabled: true, compression: true, write_queue: 64, writers: 2}
	  circuit: {failure_threshold: 5, timeout: 30s}
	render:
	  background: "#ffffff"
	  interpolation: bilinear
	  max_concurrency: 8
	pressure:
	  enabled: true
	  interval: 5s
	  warning: 0.75
	  high: 0.9
	  shrink_factor: 0.5
	preload: {max_concurrent: 5, queue_size: 1000, rate_per_second: 0}
	assets: {root: ./assets, watch: true}

The default cache directory and config file location come from the per-user
paths of github.com/muesli/go-app-paths.
*/
package config
