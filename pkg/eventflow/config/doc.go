/*
Package config loads daemon settings.

# Sources

Settings are layered. Defaults come first, then a YAML or JSON file, then
environment variables prefixed with EVENTFLOW_:

	application: gateway
	log:
	  level: debug
	  format: text
	store:
	  driver: postgres
	  dsn: postgres://gateway@localhost/gateway
	processor:
	  interval: 5s
	  batch_size: 100
	  max_retries: 10
	scheduler:
	  stagger: 15s
	kafka:
	  brokers: ["localhost:9092"]
	  topic: gateway-events

	EVENTFLOW_STORE_DRIVER=sqlite EVENTFLOW_STORE_DSN=/var/lib/gateway/events.db

# Typed Access

File contents are read through Config, a map[string]any wrapper whose
accessors return a default when a key is missing or has the wrong type:

	c, err := config.FromFile("eventflow.yaml")
	interval := c.Sub("processor").Duration("interval", 5*time.Second)

Durations accept Go duration strings ("30s", "1h30m") or numbers of seconds.
*/
package config
