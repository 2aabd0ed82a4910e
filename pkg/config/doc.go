// Package config loads the launchyard configuration file.
//
// # Overview
//
// Configuration is YAML, decoded over Default and validated with struct
// tags. Unknown keys are rejected. After the file is read, LAUNCHYARD_*
// environment variables override individual fields:
//
//	LAUNCHYARD_MAX_PARALLEL     engine.max_parallel
//	LAUNCHYARD_FAILURE_POLICY   engine.failure_policy
//	LAUNCHYARD_WORK_DIR         engine.work_dir
//	LAUNCHYARD_DB_PATH          store.path
//	LAUNCHYARD_LOG_LEVEL        telemetry.logging.level
//	LAUNCHYARD_LOG_FORMAT       telemetry.logging.format
//	LAUNCHYARD_ENVIRONMENT      telemetry.environment
//	LAUNCHYARD_OTLP_ENDPOINT    enables OTLP tracing to the endpoint
//	LAUNCHYARD_METRICS_ADDR     enables the metrics endpoint on the address
//	LAUNCHYARD_NATS_URL         enables the event bus on the URL
//	LAUNCHYARD_NATS_SUBJECT     bus.subject
//
// # Usage Example
//
//	cfg, err := config.Load("launchyard.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := stores.NewSQLiteStore(cfg.Store)
//
// # Example File
//
//	engine:
//	  max_parallel: 4
//	  failure_policy: continue
//	store:
//	  path: /var/lib/launchyard/launchyard.db
//	telemetry:
//	  service_name: launchyard
//	  service_version: 1.0.0
//	  logging:
//	    level: debug
//	    format: json
//	    output: stdout
//	bus:
//	  enabled: true
//	  url: nats://nats:4222
//	  subject: launchyard.events
package config
